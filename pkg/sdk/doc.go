// Package sdk is the Go binding surface of the ZeroTier network virtualization
// engine.
//
// The engine itself (identity, peer discovery, multicast, NAT traversal,
// encrypted transport and the network configuration protocol) is external and
// is reached through the Engine interface. This package contains:
//   - value types mirrored from the engine API (VirtualNetworkConfig, Peer, ...)
//   - the closed enumerations crossing the boundary (ResultCode, Event, ...)
//   - listener interfaces the embedding application implements
//   - Node, a thin facade that bridges listeners to the engine callback contract
package sdk
