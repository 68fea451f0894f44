/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package uniqkit provides building blocks for checking uniqueness of an identity
// across multiple independently-keyed rows of an eventually-consistent key/row store.
// The root package contains the boundary types (storage client, per-row lock primitive,
// probe token, consistency levels) and shared toolkit concerns (retryable error
// classification, metrics, configuration). The protocol itself lives in the uniqueness
// subpackage, ready-made backends in the sqlstore and memstore subpackages.
package uniqkit
