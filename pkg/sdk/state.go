package sdk

import (
    "errors"
    "fmt"
)

// StateObjectType identifies a piece of persistent engine state.
type StateObjectType int

const (
    StateObjectNull           StateObjectType = 0
    StateObjectIdentityPublic StateObjectType = 1
    StateObjectIdentitySecret StateObjectType = 2
    StateObjectPlanet         StateObjectType = 3
    StateObjectMoon           StateObjectType = 4
    StateObjectPeer           StateObjectType = 5
    StateObjectNetworkConfig  StateObjectType = 6
)

func (t StateObjectType) String() string {
    switch t {
    case StateObjectIdentityPublic:
        return "identity.public"
    case StateObjectIdentitySecret:
        return "identity.secret"
    case StateObjectPlanet:
        return "planet"
    case StateObjectMoon:
        return "moon"
    case StateObjectPeer:
        return "peer"
    case StateObjectNetworkConfig:
        return "network-config"
    default:
        return fmt.Sprintf("state(%d)", int(t))
    }
}

var ErrUnknownStateObject = errors.New("unknown state object type")

// StateObjectName maps a state object to the data store name the listeners
// see. secure is true for objects that must only be readable by the owner.
func StateObjectName(t StateObjectType, id [2]uint64) (name string, secure bool, err error) {
    switch t {
    case StateObjectIdentityPublic:
        return "identity.public", false, nil
    case StateObjectIdentitySecret:
        return "identity.secret", true, nil
    case StateObjectPlanet:
        return "planet", false, nil
    case StateObjectMoon:
        return fmt.Sprintf("moons.d/%016x.moon", id[0]), false, nil
    case StateObjectNetworkConfig:
        return fmt.Sprintf("networks.d/%016x.conf", id[0]), false, nil
    case StateObjectPeer:
        return fmt.Sprintf("peers.d/%010x", id[0]), false, nil
    default:
        return "", false, fmt.Errorf("%w: %d", ErrUnknownStateObject, int(t))
    }
}
