// Package stores provides the SQLite persistence layer: the billing
// ledger, the applied resource inventory, run reports and the last applied
// script per unit. The schema is managed with embedded golang-migrate
// migrations.
package stores
