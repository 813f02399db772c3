// Package mysql provides a MySQL-backed history store for state snapshots.
// Schema changes ship as embedded SQL files under deploy/migrations and are
// applied once at startup inside per-file transactions.
package mysql
