// Package connection owns the one permitted websocket session to the
// game server: dial and teardown, the in-band authentication handshake,
// bounded reconnection, and the subscription registry that queues
// handlers until authentication succeeds and then attaches them exactly
// once.
package connection
