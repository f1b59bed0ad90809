// Package stores persists froyomake resolution runs in SQLite.
// It records each batch run, the outcome of every entity, the frozen
// configuration snapshots with their dependency edges, and policy
// violations. Schema changes are applied with embedded golang-migrate
// migrations.
package stores
