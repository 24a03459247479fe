// Package api is the REST client for the game backend. It is the
// concrete source of pull fetchers for the sync store: one endpoint per
// bootstrap slice, behind retry with jittered exponential backoff.
package api
