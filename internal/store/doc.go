// Package store is the single source of truth for the named data
// slices shown by display layers. It arbitrates between push updates
// from the live session and governed pull fetches, runs the one-time
// post-authentication hydration, and notifies subscribers on every
// slice change.
//
// The socket-priority rule: while the session is authenticated, push is
// the only write path; pulls return the cached value untouched. The one
// exception is the hydration window right after authentication, when
// the bootstrap pulls run through the governed path.
package store
