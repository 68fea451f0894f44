/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package sqlstore implements the uniqkit storage and row-lock boundaries on top
// of a SQL database (PostgreSQL and MySQL are currently supported). Claims are
// kept in a dedicated table, one row per (prefix, row key, probe token); probe
// expiration is logical (a stored microsecond deadline), committed claims carry
// no deadline. Mutation batches are executed as single transactions whose
// isolation level is derived from the requested consistency level.
package sqlstore
