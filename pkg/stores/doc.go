// Package stores provides the SQLite persistence layer of blueprintd.
// It stores blueprint documents, the network reservation layout, the
// lifecycle event log and the audit trail. Schema changes are applied by
// embedded golang-migrate migrations.
package stores
