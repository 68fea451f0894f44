/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package uniqkit

import (
	"errors"
)

// Row-lock verification errors. RowLock implementations wrap these sentinels
// so that the coordinator can tell a lost uniqueness race from a storage failure.
var (
	// ErrRowBusy means another valid, unexpired claim already exists on the row.
	ErrRowBusy = errors.New("row is claimed by another attempt")

	// ErrRowStale means the attempt's own claim was superseded before it could be verified.
	ErrRowStale = errors.New("row claim is stale")
)
