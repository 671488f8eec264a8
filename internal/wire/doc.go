// Package wire is a sans-IO, QUIC-shaped protocol core: a poll-based state
// machine that owns no sockets and spawns no tasks. It accepts datagrams and
// timer ticks and returns events and transmits, exactly the surface
// internal/driver needs to drive a connection.
//
// It is not a conformant QUIC implementation. It borrows QUIC's vocabulary
// (Endpoint, Connection, stream credit, ACK-driven retransmission) because
// that vocabulary is what the driver above it is built against, but the wire
// format, handshake and loss recovery here are qdrive's own minimal design.
package wire
