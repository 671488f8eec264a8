package netsim

import (
	"fmt"
	"net"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"qdrive/internal/driver"
)

// Encapsulator demonstrates zero-copy encapsulation by an outer transport:
// it splices an Ethernet+IPv4+UDP header into the reserved leading margin
// of a driver.Transmit and a frame-check placeholder into the trailing
// one, the way a raw-socket outer transport would hand a framed datagram
// to the wire.
type Encapsulator struct {
	srcMAC, dstMAC net.HardwareAddr
	buf            gopacket.SerializeBuffer
}

// NewEncapsulator builds an Encapsulator stamping src/dst MAC addresses
// onto every frame it produces.
func NewEncapsulator(src, dst net.HardwareAddr) *Encapsulator {
	return &Encapsulator{srcMAC: src, dstMAC: dst, buf: gopacket.NewSerializeBuffer()}
}

// RequiredMargins reports the (header, trailer) the accumulator must
// reserve for Wrap to splice into, mirroring the fixed Ethernet+IPv4+UDP
// header size this demo produces and a 4-byte Ethernet FCS placeholder.
func (e *Encapsulator) RequiredMargins() driver.Margins {
	return driver.Margins{Header: 14 + 20 + 8, Trailer: 4}
}

// Wrap serializes an outer Ethernet/IPv4/UDP header for t and copies it
// into t.Bytes' reserved header margin in place; the payload region (and
// any trailer bytes) are left untouched. Margins are reserved
// contiguously and the payload occupies the exact middle.
func (e *Encapsulator) Wrap(t driver.Transmit, srcIP, dstIP net.IP, srcPort, dstPort uint16) error {
	m := e.RequiredMargins()
	if len(t.Bytes) < m.total() {
		return fmt.Errorf("netsim: transmit too small for encapsulation margins")
	}

	eth := &layers.Ethernet{SrcMAC: e.srcMAC, DstMAC: e.dstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: srcIP, DstIP: dstIP}
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	udp.SetNetworkLayerForChecksum(ip)

	payload := t.Bytes[m.Header : len(t.Bytes)-m.Trailer]
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(e.buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return err
	}
	header := e.buf.Bytes()[:m.Header]
	copy(t.Bytes[:m.Header], header)
	return nil
}

// Unwrapper decodes an Ethernet/IPv4/UDP frame produced by Wrap back to its
// inner payload and source address, the receive-side counterpart, built
// on gopacket's DecodingLayerParser.
type Unwrapper struct {
	eth     layers.Ethernet
	ip      layers.IPv4
	udp     layers.UDP
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

func NewUnwrapper() *Unwrapper {
	u := &Unwrapper{decoded: make([]gopacket.LayerType, 0, 4)}
	u.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &u.eth, &u.ip, &u.udp)
	u.parser.IgnoreUnsupported = true
	return u
}

func (u *Unwrapper) Unwrap(frame []byte) (payload []byte, from *net.UDPAddr, err error) {
	u.decoded = u.decoded[:0]
	if err := u.parser.DecodeLayers(frame, &u.decoded); err != nil {
		return nil, nil, err
	}
	addr := &net.UDPAddr{}
	for _, t := range u.decoded {
		switch t {
		case layers.LayerTypeIPv4:
			addr.IP = u.ip.SrcIP
		case layers.LayerTypeUDP:
			addr.Port = int(u.udp.SrcPort)
		}
	}
	return u.udp.Payload, addr, nil
}
