// Package history stores channel state changes in SQLite so recent values
// can be served by the HTTP API.
//
// Rows live in the channel_state_history table created by the embedded
// migrations. Values are stored as JSON so numbers, booleans, strings and
// UNDEF (null) round-trip without a per-type column.
package history
