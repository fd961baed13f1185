// Package registry resolves raw method metadata and the executable tree into
// the key -> method.Info mapping used by the scheduler, the pool and the
// request intake.
//
// Resolve is pure. Registry holds the current mapping and swaps it
// atomically; Refresher rebuilds it from storage and disk on an interval
// and on filesystem changes.
package registry
