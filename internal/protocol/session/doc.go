// Package session multiplexes logical conversations over one link
// transport.
//
// Ownership boundary:
// - the session table and inbound routing (Manager)
// - the NEW/ACK/END establishment protocol on session 0 (Control)
// - windowed ack/retry delivery (Stateful) and fire-and-forget frames (Stateless)
// - frame summaries for monitoring (Sniffer)
//
// Frame types are scoped to the session kind that carries them; the
// constants in each file are the wire values.
package session
