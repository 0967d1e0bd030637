package protocol

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	toukaerrors "github.com/touka-aoi/udp-endpoint/core/errors"
)

// HEADER LAYOUT (little endian, no padding)
// +--------+----------+
// | Type(1)| Check(1) |                                    all packets
// +--------+----------+--------------------+--------------+-------------------+
// | TotalSize(4)      | SequenceNumber(4)  | FragIndex(2) | DataSize(4)       | Data only
// +-------------------+--------------------+--------------+-------------------+
// | payload (DataSize bytes)                                                  | Data only
// +---------------------------------------------------------------------------+

const (
	HeaderSize     = 2
	DataHeaderSize = 14

	IPv4HeaderOverhead = 20
	IPv6HeaderOverhead = 40
	UDPHeaderOverhead  = 8
)

type Type uint8

const (
	TypeConnect Type = iota
	TypeAcknowledge
	TypeData
	TypeDisconnect
	TypeTimeoutProbe
)

func (t Type) Valid() bool {
	return t <= TypeTimeoutProbe
}

func (t Type) String() string {
	switch t {
	case TypeConnect:
		return "connect"
	case TypeAcknowledge:
		return "acknowledge"
	case TypeData:
		return "data"
	case TypeDisconnect:
		return "disconnect"
	case TypeTimeoutProbe:
		return "timeout-probe"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

var (
	ErrInsufficientData = fmt.Errorf("%w: insufficient data", toukaerrors.ErrProtocolViolation)
	ErrUnknownType      = fmt.Errorf("%w: unknown packet type", toukaerrors.ErrProtocolViolation)
	ErrSizeMismatch     = fmt.Errorf("%w: declared size does not match datagram", toukaerrors.ErrProtocolViolation)
)

type DataHeader struct {
	TotalSize      uint32
	SequenceNumber uint32
	FragmentIndex  uint16
	DataSize       uint32
}

// Packet is a decoded datagram. Data and Payload are only set for TypeData.
// Payload aliases the decoded buffer.
type Packet struct {
	Type    Type
	Data    DataHeader
	Payload []byte
}

// Decode validates and parses one received datagram.
func Decode(b []byte) (Packet, error) {
	if len(b) < HeaderSize {
		return Packet{}, ErrInsufficientData
	}

	// b[1] is the reserved checksum byte
	t := Type(b[0])
	if !t.Valid() {
		return Packet{}, fmt.Errorf("%w: %d", ErrUnknownType, b[0])
	}
	if t != TypeData {
		return Packet{Type: t}, nil
	}

	if len(b) < HeaderSize+DataHeaderSize {
		return Packet{}, ErrInsufficientData
	}
	h := b[HeaderSize:]
	hdr := DataHeader{
		TotalSize:      binary.LittleEndian.Uint32(h[0:4]),
		SequenceNumber: binary.LittleEndian.Uint32(h[4:8]),
		FragmentIndex:  binary.LittleEndian.Uint16(h[8:10]),
		DataSize:       binary.LittleEndian.Uint32(h[10:14]),
	}
	if uint64(HeaderSize+DataHeaderSize)+uint64(hdr.DataSize) != uint64(len(b)) {
		return Packet{}, fmt.Errorf("%w: header says %d, got %d", ErrSizeMismatch, HeaderSize+DataHeaderSize+int(hdr.DataSize), len(b))
	}

	return Packet{
		Type:    TypeData,
		Data:    hdr,
		Payload: b[HeaderSize+DataHeaderSize:],
	}, nil
}

// AppendControl appends a header-only packet of type t.
func AppendControl(dst []byte, t Type) []byte {
	return append(dst, byte(t), 0)
}

// AppendData appends a Data packet. hdr.DataSize is taken from len(payload).
func AppendData(dst []byte, hdr DataHeader, payload []byte) []byte {
	dst = append(dst, byte(TypeData), 0)
	dst = binary.LittleEndian.AppendUint32(dst, hdr.TotalSize)
	dst = binary.LittleEndian.AppendUint32(dst, hdr.SequenceNumber)
	dst = binary.LittleEndian.AppendUint16(dst, hdr.FragmentIndex)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// MaxFragmentPayload is the largest payload one Data packet to addr may carry
// without exceeding mtu on the wire.
func MaxFragmentPayload(mtu int, addr netip.AddrPort) int {
	ipOverhead := IPv4HeaderOverhead
	if ip := addr.Addr(); ip.Is6() && !ip.Is4In6() {
		ipOverhead = IPv6HeaderOverhead
	}
	n := mtu - ipOverhead - UDPHeaderOverhead - HeaderSize - DataHeaderSize
	if n < 1 {
		return 1
	}
	return n
}

// FragmentCount is ceil(totalSize / maxPayload), at least 1.
func FragmentCount(totalSize, maxPayload int) int {
	if totalSize <= maxPayload {
		return 1
	}
	return (totalSize + maxPayload - 1) / maxPayload
}

type DataFragment struct {
	Header  DataHeader
	Payload []byte
}

// Fragment splits data into Data packets sharing seq. Payloads alias data.
func Fragment(seq uint32, data []byte, maxPayload int) []DataFragment {
	count := FragmentCount(len(data), maxPayload)
	frags := make([]DataFragment, 0, count)
	for i := 0; i < count; i++ {
		start := i * maxPayload
		end := min(start+maxPayload, len(data))
		frags = append(frags, DataFragment{
			Header: DataHeader{
				TotalSize:      uint32(len(data)),
				SequenceNumber: seq,
				FragmentIndex:  uint16(i),
				DataSize:       uint32(end - start),
			},
			Payload: data[start:end],
		})
	}
	return frags
}
