// Package atp implements the core of a reliable, connection-oriented
// transport protocol (ATP) layered over an unreliable datagram service: the
// packet codec, the per-connection state machine, and the context that
// demultiplexes inbound datagrams to connections.
package atp

import (
	"encoding/binary"

	"github.com/calvinneo/atpcore/pkg/atperr"
)

// HeaderLen is the size in bytes of the packed, network-byte-order ATP
// header: seq_nr, ack_nr, peer_sock_id (u16 each), opts_count, flags (u8
// each), window_size (u16). The six fields sum to 10 bytes; see DESIGN.md
// for why the header is sized this way despite the spec prose's "8 octets".
const HeaderLen = 10

const (
	ethernetMTU  = 1500
	internetMTU  = 576
	atpIPMTU     = 65535
	ipv4HdrSize  = 20
	udpHdrSize   = 8
	tcpDefaultSS = 536
)

// MaxUDPPayload is the largest datagram payload (header+options+data) that
// fits under the IP datagram ceiling.
const MaxUDPPayload = atpIPMTU - ipv4HdrSize - udpHdrSize

// MaxATPPayload is the largest options+data portion of a single packet.
const MaxATPPayload = MaxUDPPayload - HeaderLen

// ATPMSSCeiling is the recommended upper bound for a single write so that
// outgoing packets avoid IP fragmentation on an Ethernet path.
const ATPMSSCeiling = ethernetMTU - ipv4HdrSize - udpHdrSize - HeaderLen

// ATPMSSFloor is the lower bound of the recommended MSS range, sized for
// the smallest mandatory IP MTU.
const ATPMSSFloor = internetMTU - ipv4HdrSize - udpHdrSize - HeaderLen

// RTO bounds and timer-driver interval, per §4.2.3.
const (
	RTOMin                = 1000 // milliseconds
	RTOMax                = 12000
	TimeEventIntervalMax  = 500
	DefaultMaxRetransmits = 5
)

// Flags is the packed one-octet flag bitfield.
type Flags uint8

const (
	FlagSYN Flags = 1 << iota
	FlagACK
	FlagFIN
	FlagURG
	// FlagRST is not exercised by the source this core is grounded on (it
	// never constructs one) but the state table requires an "inbound RST"
	// event from any state; see DESIGN.md for why this bit is the
	// resolution rather than treating reset as purely a host-side signal.
	FlagRST
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// CreateFlags ORs together the given flag bits, mirroring the codec's
// create_flags(SYN, ACK, ...) helper in the original implementation.
func CreateFlags(bits ...Flags) Flags {
	var f Flags
	for _, b := range bits {
		f |= b
	}
	return f
}

func (f Flags) String() string {
	s := ""
	if f.Has(FlagSYN) {
		s += "S"
	}
	if f.Has(FlagACK) {
		s += "A"
	}
	if f.Has(FlagFIN) {
		s += "F"
	}
	if f.Has(FlagURG) {
		s += "U"
	}
	if f.Has(FlagRST) {
		s += "R"
	}
	if s == "" {
		return "-"
	}
	return s
}

// Header is the decoded, in-memory view of the HeaderLen-byte (10-byte) ATP
// packet header.
type Header struct {
	SeqNr      uint16
	AckNr      uint16
	PeerSockID uint16
	OptsCount  uint8
	Flags      Flags
	WindowSize uint16
}

func (h Header) GetSyn() bool { return h.Flags.Has(FlagSYN) }
func (h Header) GetAck() bool { return h.Flags.Has(FlagACK) }
func (h Header) GetFin() bool { return h.Flags.Has(FlagFIN) }
func (h Header) GetUrg() bool { return h.Flags.Has(FlagURG) }
func (h Header) GetRst() bool { return h.Flags.Has(FlagRST) }

// Encode writes header followed by payload in network byte order. opts_count
// is always written, even when it is zero. payload may include trailing
// option bytes; the codec itself carries no options beyond opts_count.
func Encode(h Header, payload []byte) ([]byte, error) {
	if len(payload) > MaxATPPayload {
		return nil, atperr.MalformedPacket.Newf("payload of %d bytes exceeds MAX_ATP_PAYLOAD (%d)", len(payload), MaxATPPayload)
	}
	buf := make([]byte, HeaderLen+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], h.SeqNr)
	binary.BigEndian.PutUint16(buf[2:4], h.AckNr)
	binary.BigEndian.PutUint16(buf[4:6], h.PeerSockID)
	buf[6] = h.OptsCount
	buf[7] = byte(h.Flags)
	binary.BigEndian.PutUint16(buf[8:10], h.WindowSize)
	copy(buf[HeaderLen:], payload)
	return buf, nil
}

// Decode splits a received datagram into its header and payload slice. It
// rejects buffers shorter than the header or whose declared payload would
// exceed MaxATPPayload.
func Decode(buf []byte) (Header, []byte, error) {
	if len(buf) < HeaderLen {
		return Header{}, nil, atperr.MalformedPacket.Newf("buffer of %d bytes shorter than header (%d)", len(buf), HeaderLen)
	}
	h := Header{
		SeqNr:      binary.BigEndian.Uint16(buf[0:2]),
		AckNr:      binary.BigEndian.Uint16(buf[2:4]),
		PeerSockID: binary.BigEndian.Uint16(buf[4:6]),
		OptsCount:  buf[6],
		Flags:      Flags(buf[7]),
		WindowSize: binary.BigEndian.Uint16(buf[8:10]),
	}
	payload := buf[HeaderLen:]
	if len(payload) > MaxATPPayload {
		return Header{}, nil, atperr.MalformedPacket.Newf("declared payload of %d bytes exceeds MAX_ATP_PAYLOAD (%d)", len(payload), MaxATPPayload)
	}
	return h, payload, nil
}
