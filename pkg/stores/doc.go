// Package stores persists workflow execution history in SQLite. It records
// runs, per-node results, the changes scripts reported and every recovery
// decision, using WAL mode and embedded golang-migrate migrations.
package stores
