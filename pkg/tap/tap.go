// Package tap connects virtual network ports to the host: Ethernet frame
// codec plus TAP device backends.
package tap

import (
    "errors"
    "fmt"
    "net"

    "github.com/google/gopacket"
    "github.com/google/gopacket/layers"

    "github.com/zerotier/ZeroTierOne/pkg/sdk"
)

// Device is a virtual Ethernet port on the host.
type Device interface {
    Name() string
    // ReadFrame blocks for the next frame the host sends on the port.
    ReadFrame(buf []byte) (int, error)
    // WriteFrame delivers a frame to the host.
    WriteFrame(frame []byte) error
    Close() error
}

// Factory opens the device for a network.
type Factory func(name string, cfg *sdk.VirtualNetworkConfig) (Device, error)

var (
    ErrClosed     = errors.New("tap: device closed")
    ErrShortFrame = errors.New("tap: short ethernet frame")
)

// Frame is a decoded Ethernet frame.
type Frame struct {
    Src, Dst  sdk.MAC
    EtherType uint16
    VLAN      uint16
    Payload   []byte
}

// DeviceName derives a stable interface name for nwid, at most 15 bytes.
func DeviceName(prefix string, nwid sdk.NetworkID) string {
    v := uint64(nwid)
    name := fmt.Sprintf("%s%010x", prefix, (v^(v>>40))&0xffffffffff)
    if len(name) > 15 {
        name = name[:15]
    }
    return name
}

// EncodeEthernet builds an Ethernet frame. A non-zero vlan adds an 802.1Q tag.
// Frames shorter than the Ethernet minimum are zero padded.
func EncodeEthernet(src, dst sdk.MAC, etherType, vlan uint16, payload []byte) ([]byte, error) {
    eth := &layers.Ethernet{
        SrcMAC:       net.HardwareAddr(src.Bytes()),
        DstMAC:       net.HardwareAddr(dst.Bytes()),
        EthernetType: layers.EthernetType(etherType),
    }
    ls := []gopacket.SerializableLayer{eth}
    if vlan != 0 {
        eth.EthernetType = layers.EthernetTypeDot1Q
        ls = append(ls, &layers.Dot1Q{
            VLANIdentifier: vlan & 0x0fff,
            Type:           layers.EthernetType(etherType),
        })
    }
    ls = append(ls, gopacket.Payload(payload))
    buf := gopacket.NewSerializeBuffer()
    if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, ls...); err != nil {
        return nil, fmt.Errorf("tap: encode frame: %w", err)
    }
    return buf.Bytes(), nil
}

// DecodeEthernet parses frame. The returned payload aliases frame.
func DecodeEthernet(frame []byte) (Frame, error) {
    if len(frame) < 14 {
        return Frame{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(frame))
    }
    var eth layers.Ethernet
    if err := eth.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
        return Frame{}, fmt.Errorf("tap: decode ethernet: %w", err)
    }
    src, _ := sdk.NewMACFromBytes(eth.SrcMAC)
    dst, _ := sdk.NewMACFromBytes(eth.DstMAC)
    f := Frame{Src: src, Dst: dst, EtherType: uint16(eth.EthernetType), Payload: eth.Payload}
    if eth.EthernetType == layers.EthernetTypeDot1Q {
        var q layers.Dot1Q
        if err := q.DecodeFromBytes(eth.Payload, gopacket.NilDecodeFeedback); err != nil {
            return Frame{}, fmt.Errorf("tap: decode 802.1Q: %w", err)
        }
        f.VLAN = q.VLANIdentifier
        f.EtherType = uint16(q.Type)
        f.Payload = q.Payload
    }
    return f, nil
}
