package protocol

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"

	toukaerrors "github.com/touka-aoi/udp-endpoint/core/errors"
)

func TestDecodeControlPackets(t *testing.T) {
	for _, typ := range []Type{TypeConnect, TypeAcknowledge, TypeDisconnect, TypeTimeoutProbe} {
		wire := AppendControl(nil, typ)
		if len(wire) != HeaderSize {
			t.Fatalf("%s: encoded size %d != %d", typ, len(wire), HeaderSize)
		}
		pkt, err := Decode(wire)
		if err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
		if pkt.Type != typ {
			t.Fatalf("type mismatch: got %s want %s", pkt.Type, typ)
		}
	}
}

func TestDataWireLayout(t *testing.T) {
	wire := AppendData(nil, DataHeader{TotalSize: 0x01020304, SequenceNumber: 7, FragmentIndex: 2}, []byte("xyz"))
	want := []byte{
		2, 0,
		0x04, 0x03, 0x02, 0x01,
		7, 0, 0, 0,
		2, 0,
		3, 0, 0, 0,
		'x', 'y', 'z',
	}
	if !bytes.Equal(wire, want) {
		t.Fatalf("wire = %v\nwant  %v", wire, want)
	}
}

func TestDecodeData(t *testing.T) {
	payload := []byte("hello fragment")
	wire := AppendData(nil, DataHeader{TotalSize: 100, SequenceNumber: 9, FragmentIndex: 3}, payload)

	pkt, err := Decode(wire)
	if err != nil {
		t.Fatal(err)
	}
	if pkt.Type != TypeData {
		t.Fatalf("type = %s", pkt.Type)
	}
	want := DataHeader{TotalSize: 100, SequenceNumber: 9, FragmentIndex: 3, DataSize: uint32(len(payload))}
	if pkt.Data != want {
		t.Fatalf("header = %+v, want %+v", pkt.Data, want)
	}
	if !bytes.Equal(pkt.Payload, payload) {
		t.Fatalf("payload = %q, want %q", pkt.Payload, payload)
	}
}

func TestDecodeIgnoresChecksum(t *testing.T) {
	wire := AppendControl(nil, TypeTimeoutProbe)
	wire[1] = 0xAB
	if _, err := Decode(wire); err != nil {
		t.Fatal(err)
	}
}

func TestDecodeRejects(t *testing.T) {
	valid := AppendData(nil, DataHeader{TotalSize: 4, SequenceNumber: 1}, []byte("abcd"))

	tests := []struct {
		name string
		wire []byte
		want error
	}{
		{"empty", nil, ErrInsufficientData},
		{"one byte", []byte{0}, ErrInsufficientData},
		{"unknown type", []byte{5, 0}, ErrUnknownType},
		{"truncated data header", valid[:HeaderSize+DataHeaderSize-1], ErrInsufficientData},
		{"short payload", valid[:len(valid)-1], ErrSizeMismatch},
		{"trailing bytes", append(append([]byte{}, valid...), 0), ErrSizeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.wire)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if !errors.Is(err, toukaerrors.ErrProtocolViolation) {
				t.Fatalf("err = %v does not wrap ErrProtocolViolation", err)
			}
		})
	}
}

func TestMaxFragmentPayload(t *testing.T) {
	v4 := netip.MustParseAddrPort("127.0.0.1:9000")
	v6 := netip.MustParseAddrPort("[::1]:9000")
	mapped := netip.MustParseAddrPort("[::ffff:127.0.0.1]:9000")

	if got := MaxFragmentPayload(1200, v4); got != 1200-20-8-16 {
		t.Fatalf("v4 = %d", got)
	}
	if got := MaxFragmentPayload(1200, v6); got != 1200-40-8-16 {
		t.Fatalf("v6 = %d", got)
	}
	if got := MaxFragmentPayload(1200, mapped); got != MaxFragmentPayload(1200, v4) {
		t.Fatalf("v4-mapped = %d", got)
	}
	if got := MaxFragmentPayload(10, v4); got != 1 {
		t.Fatalf("tiny mtu = %d", got)
	}
}

func TestFragmentSingle(t *testing.T) {
	data := bytes.Repeat([]byte{1}, 1150)
	frags := Fragment(4, data, 1150)
	if len(frags) != 1 {
		t.Fatalf("fragments = %d, want 1", len(frags))
	}
	h := frags[0].Header
	if h.DataSize != h.TotalSize || h.TotalSize != 1150 || h.FragmentIndex != 0 || h.SequenceNumber != 4 {
		t.Fatalf("header = %+v", h)
	}
}

func TestFragmentEmptyMessage(t *testing.T) {
	frags := Fragment(1, nil, 1150)
	if len(frags) != 1 || frags[0].Header.DataSize != 0 || frags[0].Header.TotalSize != 0 {
		t.Fatalf("fragments = %+v", frags)
	}
}

func TestFragmentMulti(t *testing.T) {
	data := make([]byte, 3000)
	for i := range data {
		data[i] = byte(i)
	}

	frags := Fragment(12, data, 1150)
	if len(frags) != 3 {
		t.Fatalf("fragments = %d, want 3", len(frags))
	}

	wantSizes := []uint32{1150, 1150, 700}
	var joined []byte
	for i, f := range frags {
		if f.Header.DataSize != wantSizes[i] {
			t.Errorf("fragment %d size = %d, want %d", i, f.Header.DataSize, wantSizes[i])
		}
		if f.Header.FragmentIndex != uint16(i) {
			t.Errorf("fragment %d index = %d", i, f.Header.FragmentIndex)
		}
		if f.Header.SequenceNumber != 12 || f.Header.TotalSize != 3000 {
			t.Errorf("fragment %d header = %+v", i, f.Header)
		}
		joined = append(joined, f.Payload...)
	}
	if !bytes.Equal(joined, data) {
		t.Fatal("joined payloads differ from input")
	}
}

func TestFragmentCount(t *testing.T) {
	tests := []struct {
		total, max, want int
	}{
		{0, 100, 1},
		{100, 100, 1},
		{101, 100, 2},
		{3000, 1150, 3},
		{2300, 1150, 2},
	}
	for _, tt := range tests {
		if got := FragmentCount(tt.total, tt.max); got != tt.want {
			t.Errorf("FragmentCount(%d, %d) = %d, want %d", tt.total, tt.max, got, tt.want)
		}
	}
}
