// Package server implements the relaychat broadcast core.
//
// An accept loop hands each TCP connection (and each upgraded WebSocket
// connection from the ops listener) to a fixed worker pool as one task. The
// task reads the handshake, registers the connection, announces the join,
// and relays records until the client leaves or the server shuts down.
// Delivery goes through per-connection queues, so the registry lock is
// never held across network I/O.
//
// The implementation is organized into files for transports, connections,
// the registry, sessions, routing, and HTTP handlers.
package server
