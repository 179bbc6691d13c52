// Package transport defines the physical sockets the service moves ZeroTier
// wire packets over and a Manager that maps the engine's local socket ids
// to them.
//
// Key concepts:
// - Socket: a bound endpoint that reads and writes whole packets (udp, tcp relay)
// - Packet: one datagram with the id of the socket it arrived on
// - Manager: assigns socket ids and picks the socket for an outgoing packet
package transport
