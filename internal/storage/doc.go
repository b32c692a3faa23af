// Package storage persists jobs, execution history, and dependency edges in
// SQLite, and keeps one output artifact file per execution on disk.
//
// The scheduler engine treats this package as a collaborator: every call is
// fallible and bounded-latency, and no engine lock is held across one.
package storage
