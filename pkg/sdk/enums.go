package sdk

import "fmt"

// Event is an asynchronous notification raised by the engine.
type Event int

const (
    EventUp                          Event = 0
    EventOffline                     Event = 1
    EventOnline                      Event = 2
    EventDown                        Event = 3
    EventFatalErrorIdentityCollision Event = 4
    EventTrace                       Event = 5
    EventUserMessage                 Event = 6
    EventRemoteTrace                 Event = 7
)

func (e Event) String() string {
    switch e {
    case EventUp:
        return "UP"
    case EventOffline:
        return "OFFLINE"
    case EventOnline:
        return "ONLINE"
    case EventDown:
        return "DOWN"
    case EventFatalErrorIdentityCollision:
        return "FATAL_ERROR_IDENTITY_COLLISION"
    case EventTrace:
        return "TRACE"
    case EventUserMessage:
        return "USER_MESSAGE"
    case EventRemoteTrace:
        return "REMOTE_TRACE"
    default:
        return fmt.Sprintf("EVENT(%d)", int(e))
    }
}

func (e Event) MarshalText() ([]byte, error) { return []byte(e.String()), nil }

// VirtualNetworkStatus is the configuration state of a joined network.
type VirtualNetworkStatus int

const (
    NetworkStatusRequestingConfiguration VirtualNetworkStatus = 0
    NetworkStatusOK                      VirtualNetworkStatus = 1
    NetworkStatusAccessDenied            VirtualNetworkStatus = 2
    NetworkStatusNotFound                VirtualNetworkStatus = 3
    NetworkStatusPortError               VirtualNetworkStatus = 4
    NetworkStatusClientTooOld            VirtualNetworkStatus = 5
    NetworkStatusAuthenticationRequired  VirtualNetworkStatus = 6
)

func (s VirtualNetworkStatus) String() string {
    switch s {
    case NetworkStatusRequestingConfiguration:
        return "REQUESTING_CONFIGURATION"
    case NetworkStatusOK:
        return "OK"
    case NetworkStatusAccessDenied:
        return "ACCESS_DENIED"
    case NetworkStatusNotFound:
        return "NOT_FOUND"
    case NetworkStatusPortError:
        return "PORT_ERROR"
    case NetworkStatusClientTooOld:
        return "CLIENT_TOO_OLD"
    case NetworkStatusAuthenticationRequired:
        return "AUTHENTICATION_REQUIRED"
    default:
        return fmt.Sprintf("STATUS(%d)", int(s))
    }
}

func (s VirtualNetworkStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *VirtualNetworkStatus) UnmarshalText(b []byte) (err error) {
    *s, err = parseName[VirtualNetworkStatus](b, 7, "network status")
    return err
}

// VirtualNetworkType distinguishes private (certificate gated) from public networks.
type VirtualNetworkType int

const (
    NetworkTypePrivate VirtualNetworkType = 0
    NetworkTypePublic  VirtualNetworkType = 1
)

func (t VirtualNetworkType) String() string {
    switch t {
    case NetworkTypePrivate:
        return "PRIVATE"
    case NetworkTypePublic:
        return "PUBLIC"
    default:
        return fmt.Sprintf("TYPE(%d)", int(t))
    }
}

func (t VirtualNetworkType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *VirtualNetworkType) UnmarshalText(b []byte) (err error) {
    *t, err = parseName[VirtualNetworkType](b, 2, "network type")
    return err
}

// VirtualNetworkConfigOperation tells a config listener what happened to a network port.
type VirtualNetworkConfigOperation int

const (
    ConfigOperationUp           VirtualNetworkConfigOperation = 1
    ConfigOperationConfigUpdate VirtualNetworkConfigOperation = 2
    ConfigOperationDown         VirtualNetworkConfigOperation = 3
    ConfigOperationDestroy      VirtualNetworkConfigOperation = 4
)

func (o VirtualNetworkConfigOperation) String() string {
    switch o {
    case ConfigOperationUp:
        return "UP"
    case ConfigOperationConfigUpdate:
        return "CONFIG_UPDATE"
    case ConfigOperationDown:
        return "DOWN"
    case ConfigOperationDestroy:
        return "DESTROY"
    default:
        return fmt.Sprintf("OPERATION(%d)", int(o))
    }
}

func (o VirtualNetworkConfigOperation) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// PeerRole is the role a peer plays in the root topology.
type PeerRole int

const (
    PeerRoleLeaf   PeerRole = 0
    PeerRoleMoon   PeerRole = 1
    PeerRolePlanet PeerRole = 2
)

func (r PeerRole) String() string {
    switch r {
    case PeerRoleLeaf:
        return "LEAF"
    case PeerRoleMoon:
        return "MOON"
    case PeerRolePlanet:
        return "PLANET"
    default:
        return fmt.Sprintf("ROLE(%d)", int(r))
    }
}

func (r PeerRole) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *PeerRole) UnmarshalText(b []byte) (err error) {
    *r, err = parseName[PeerRole](b, 3, "peer role")
    return err
}

// parseName maps the String form of one of the first n values of T back to
// the value.
func parseName[T interface {
    ~int
    String() string
}](b []byte, n int, kind string) (T, error) {
    for i := 0; i < n; i++ {
        if v := T(i); v.String() == string(b) {
            return v, nil
        }
    }
    return 0, fmt.Errorf("sdk: unknown %s %q", kind, b)
}

// Engine limits and defaults.
const (
    DefaultPort               = 9993
    MinMTU                    = 1280
    MaxMTU                    = 10000
    DefaultMTU                = 2800
    DefaultPhysMTU            = 1432
    MaxPhysPayload            = 10100
    MaxNetworkShortNameLength = 127
    MaxNetworkRoutes          = 128
    MaxAssignedAddresses      = 32
    MaxDNSServers             = 4
    MaxPeerNetworkPaths       = 64
    MaxMulticastSubscriptions = 1024
)
