package rtppkt

import (
	"errors"
	"fmt"

	"github.com/pion/rtcp"
)

var errRTCPUnmarshal = errors.New("rtppkt: rtcp unmarshal failed")

// ParseRTCP decodes a compound RTCP datagram into its constituent packets
// (SR, RR, SDES, BYE, ...), terminating when the length accumulator
// reaches the end of the buffer, per spec §4.1.
func ParseRTCP(data []byte) ([]rtcp.Packet, error) {
	var out []rtcp.Packet
	for len(data) != 0 {
		var h rtcp.Header
		if err := h.Unmarshal(data); err != nil {
			return nil, errors.Join(err, errRTCPUnmarshal)
		}

		pktLen := int(h.Length+1) * 4
		if pktLen > len(data) {
			return nil, fmt.Errorf("rtppkt: rtcp packet declares %d bytes, have %d: %w", pktLen, len(data), errRTCPUnmarshal)
		}

		pkt := newRTCPPacket(h.Type)
		if err := pkt.Unmarshal(data[:pktLen]); err != nil {
			return nil, fmt.Errorf("rtppkt: %w", err)
		}
		out = append(out, pkt)
		data = data[pktLen:]
	}
	return out, nil
}

// SerializeRTCP produces the compound-packet byte sequence for a sequence
// of RTCP packets; SerializeRTCP(ParseRTCP(b)) round-trips to b.
func SerializeRTCP(packets []rtcp.Packet) ([]byte, error) {
	out, err := rtcp.Marshal(packets)
	if err != nil {
		return nil, fmt.Errorf("rtppkt: rtcp marshal: %w", err)
	}
	return out, nil
}

func newRTCPPacket(t rtcp.PacketType) rtcp.Packet {
	switch t {
	case rtcp.TypeSenderReport:
		return new(rtcp.SenderReport)
	case rtcp.TypeReceiverReport:
		return new(rtcp.ReceiverReport)
	case rtcp.TypeSourceDescription:
		return new(rtcp.SourceDescription)
	case rtcp.TypeGoodbye:
		return new(rtcp.Goodbye)
	default:
		return new(rtcp.RawPacket)
	}
}
