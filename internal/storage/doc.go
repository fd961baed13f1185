// Package storage reads method metadata and run history snapshots and
// records the runs this process executes.
//
// The snapshots are produced by an external synchronizer; storage only
// depends on their column layout, not on how they were obtained.
package storage
