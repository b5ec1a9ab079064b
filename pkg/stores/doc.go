// Package stores provides the SQLite persistence layer for grcsync: resource
// state, apply locks, apply history, live business records and the audit log.
// Schema changes are embedded golang-migrate migrations.
package stores
