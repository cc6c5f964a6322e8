// Package sqlite provides SQLite-backed identity persistence.
//
// Every single-use or monotonic update is a conditional UPDATE whose affected
// row count decides the outcome, so concurrent writers never both succeed.
package sqlite
