/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package uniqueness implements a multi-row uniqueness constraint on top of a
// storage layer that offers only per-row optimistic locks and atomic multi-row
// write batches. A Constraint coordinates an ordered set of row locks sharing one
// probe token through a probe/verify/commit protocol: probe columns are written
// to all rows in one TTL-bounded batch, each row is then verified to carry no
// competing claim, and finally the claims are committed permanently in a second
// batch. Any failure after the probes are written triggers a best-effort release
// of everything that was claimed.
//
// The check is best-effort: it resolves races between concurrent attempts through
// the row locks' verification semantics, and relies on the probe TTL for crash
// recovery. It is not a linearizable lock service.
package uniqueness
