package sdk

import (
    "errors"
    "fmt"
    "strconv"
    "strings"
)

// Address is a 40-bit ZeroTier node address.
type Address uint64

// NetworkID is a 64-bit virtual network identifier. Its most significant
// 40 bits are the address of the network controller.
type NetworkID uint64

// MAC is a 48-bit Ethernet MAC address stored in the low bits.
type MAC uint64

const (
    addressMask = 0xffffffffff
    macMask     = 0xffffffffffff
)

var (
    ErrInvalidAddress   = errors.New("invalid zerotier address")
    ErrInvalidNetworkID = errors.New("invalid network id")
    ErrInvalidMAC       = errors.New("invalid mac address")
)

// String returns the address as 10 lowercase hex digits.
func (a Address) String() string { return fmt.Sprintf("%010x", uint64(a)&addressMask) }

// IsReserved reports whether the address is in the reserved range (0 or 0xff prefix).
func (a Address) IsReserved() bool { return a == 0 || (uint64(a)>>32) == 0xff }

func (a Address) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Address) UnmarshalText(b []byte) error {
    v, err := ParseAddress(string(b))
    if err != nil { return err }
    *a = v
    return nil
}

// ParseAddress parses a 10-digit hex node address.
func ParseAddress(s string) (Address, error) {
    s = strings.TrimSpace(s)
    if len(s) != 10 {
        return 0, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
    }
    v, err := strconv.ParseUint(s, 16, 64)
    if err != nil {
        return 0, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
    }
    return Address(v), nil
}

// String returns the network id as 16 lowercase hex digits.
func (n NetworkID) String() string { return fmt.Sprintf("%016x", uint64(n)) }

// ControllerAddress returns the address of the node that controls this network.
func (n NetworkID) ControllerAddress() Address { return Address(uint64(n) >> 24) }

func (n NetworkID) MarshalText() ([]byte, error) { return []byte(n.String()), nil }

func (n *NetworkID) UnmarshalText(b []byte) error {
    v, err := ParseNetworkID(string(b))
    if err != nil { return err }
    *n = v
    return nil
}

// ParseNetworkID parses a 16-digit hex network id.
func ParseNetworkID(s string) (NetworkID, error) {
    s = strings.TrimSpace(s)
    if len(s) != 16 {
        return 0, fmt.Errorf("%w: %q", ErrInvalidNetworkID, s)
    }
    v, err := strconv.ParseUint(s, 16, 64)
    if err != nil {
        return 0, fmt.Errorf("%w: %q", ErrInvalidNetworkID, s)
    }
    return NetworkID(v), nil
}

// String returns the MAC in colon separated lowercase hex form.
func (m MAC) String() string {
    v := uint64(m)
    return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
        (v>>40)&0xff, (v>>32)&0xff, (v>>24)&0xff, (v>>16)&0xff, (v>>8)&0xff, v&0xff)
}

// Bytes returns the 6 byte big-endian form of the MAC.
func (m MAC) Bytes() []byte {
    v := uint64(m)
    return []byte{byte(v >> 40), byte(v >> 32), byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// IsBroadcast reports whether this is ff:ff:ff:ff:ff:ff.
func (m MAC) IsBroadcast() bool { return uint64(m)&macMask == macMask }

// IsMulticast reports whether the group bit of the first octet is set.
func (m MAC) IsMulticast() bool { return (uint64(m)>>40)&0x01 != 0 }

func (m MAC) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *MAC) UnmarshalText(b []byte) error {
    v, err := ParseMAC(string(b))
    if err != nil { return err }
    *m = v
    return nil
}

// NewMACFromBytes builds a MAC from a 6 byte slice.
func NewMACFromBytes(b []byte) (MAC, error) {
    if len(b) != 6 {
        return 0, fmt.Errorf("%w: length %d", ErrInvalidMAC, len(b))
    }
    var v uint64
    for _, c := range b {
        v = (v << 8) | uint64(c)
    }
    return MAC(v), nil
}

// ParseMAC parses xx:xx:xx:xx:xx:xx or xx-xx-xx-xx-xx-xx. The separator
// must not change within one address.
func ParseMAC(s string) (MAC, error) {
    s = strings.TrimSpace(s)
    if len(s) != 17 || (s[2] != ':' && s[2] != '-') {
        return 0, fmt.Errorf("%w: %q", ErrInvalidMAC, s)
    }
    parts := strings.Split(s, s[2:3])
    if len(parts) != 6 {
        return 0, fmt.Errorf("%w: %q", ErrInvalidMAC, s)
    }
    var v uint64
    for _, p := range parts {
        if len(p) != 2 {
            return 0, fmt.Errorf("%w: %q", ErrInvalidMAC, s)
        }
        b, err := strconv.ParseUint(p, 16, 8)
        if err != nil {
            return 0, fmt.Errorf("%w: %q", ErrInvalidMAC, s)
        }
        v = (v << 8) | b
    }
    return MAC(v), nil
}
