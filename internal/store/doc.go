// Package store is the system of record for northstar.
//
// It persists proposals, experiments, repositories, and the activity log in
// SQLite. Conflicting writes are serialized at the storage layer; the
// singleton records (the active repository) are replaced whole,
// last-write-wins. Lifecycle transitions use conditional updates so
// concurrent writers cannot double-apply a transition.
package store
