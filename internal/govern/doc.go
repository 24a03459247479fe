// Package govern imposes the outbound request ceilings of the sync core:
// a per-endpoint minimum-interval limiter, a collapsing debouncer, and a
// single-flight guard with a self-expiring lock.
//
// All timing goes through an injected clockwork.Clock so tests can drive
// the window boundaries deterministically. Governor decisions are
// advisory: CanMakeRequest returning false is enforced by the caller,
// never by panicking or erroring here.
package govern
