package channel

import (
	"encoding/binary"
	"testing"
)

func joinAddr(hi, lo uint32) uint64 {
	return uint64(hi)<<32 | uint64(lo)
}

func decodeReadRequest(b []byte) (r readRequest, ok bool) {
	if len(b) != readRequestSize {
		return r, false
	}
	r.Addr = joinAddr(binary.LittleEndian.Uint32(b[0:]), binary.LittleEndian.Uint32(b[4:]))
	r.Length = binary.LittleEndian.Uint32(b[8:])
	r.Buffer = joinAddr(binary.LittleEndian.Uint32(b[12:]), binary.LittleEndian.Uint32(b[16:]))
	return r, true
}

func decodeWriteRequest(b []byte) (r writeRequest, ok bool) {
	if len(b) != writeRequestSize {
		return r, false
	}
	r.Addr = joinAddr(binary.LittleEndian.Uint32(b[0:]), binary.LittleEndian.Uint32(b[4:]))
	r.Value = binary.LittleEndian.Uint32(b[8:])
	return r, true
}

func TestReadRequestLayout(t *testing.T) {
	req := readRequest{Addr: 0x0000000123456789, Length: 8, Buffer: 0x00007ff0aabbccdd}
	b := req.encode()
	want := []uint32{0x00000001, 0x23456789, 8, 0x00007ff0, 0xaabbccdd}
	if len(b) != 4*len(want) {
		t.Fatalf("request is %d bytes, want %d", len(b), 4*len(want))
	}
	for i, w := range want {
		if got := binary.LittleEndian.Uint32(b[4*i:]); got != w {
			t.Errorf("field %d: got %#x, want %#x", i, got, w)
		}
	}
	back, ok := decodeReadRequest(b)
	if !ok || back != req {
		t.Fatalf("decode mismatch: %+v", back)
	}
}

func TestWriteRequestLayout(t *testing.T) {
	req := writeRequest{Addr: 0xffff8000_00001000, Value: 0xdeadbeef}
	b := req.encode()
	want := []uint32{0xffff8000, 0x00001000, 0xdeadbeef}
	if len(b) != 4*len(want) {
		t.Fatalf("request is %d bytes, want %d", len(b), 4*len(want))
	}
	for i, w := range want {
		if got := binary.LittleEndian.Uint32(b[4*i:]); got != w {
			t.Errorf("field %d: got %#x, want %#x", i, got, w)
		}
	}
}

func TestControlRequestLayout(t *testing.T) {
	b := encodeControlRequest(3)
	if len(b) != 4 || binary.LittleEndian.Uint32(b) != 3 {
		t.Fatalf("bad control request % x", b)
	}
}
