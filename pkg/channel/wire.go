package channel

import (
	"encoding/binary"
	"unsafe"
)

// The helper's request records are sequences of little-endian 32-bit
// fields; 64-bit addresses travel as a high half followed by a low half.

const (
	controlRequestSize = 4
	readRequestSize    = 5 * 4
	writeRequestSize   = 3 * 4
	// replySize is the fixed reply record of read and write exchanges:
	// operation, buffer low.
	replySize = 2 * 4
)

func splitAddr(v uint64) (hi, lo uint32) {
	return uint32(v >> 32), uint32(v)
}

func encodeControlRequest(reg uint32) []byte {
	b := make([]byte, controlRequestSize)
	binary.LittleEndian.PutUint32(b, reg)
	return b
}

type readRequest struct {
	Addr   uint64
	Length uint32
	Buffer uint64
}

func (r *readRequest) encode() []byte {
	b := make([]byte, readRequestSize)
	hi, lo := splitAddr(r.Addr)
	binary.LittleEndian.PutUint32(b[0:], hi)
	binary.LittleEndian.PutUint32(b[4:], lo)
	binary.LittleEndian.PutUint32(b[8:], r.Length)
	hi, lo = splitAddr(r.Buffer)
	binary.LittleEndian.PutUint32(b[12:], hi)
	binary.LittleEndian.PutUint32(b[16:], lo)
	return b
}

type writeRequest struct {
	Addr  uint64
	Value uint32
}

func (r *writeRequest) encode() []byte {
	b := make([]byte, writeRequestSize)
	hi, lo := splitAddr(r.Addr)
	binary.LittleEndian.PutUint32(b[0:], hi)
	binary.LittleEndian.PutUint32(b[4:], lo)
	binary.LittleEndian.PutUint32(b[8:], r.Value)
	return b
}

// bufferAddress is the address the helper copies read results to. buf is
// passed to Device.Control alongside the request, which keeps it alive and
// heap allocated for the duration of the exchange.
func bufferAddress(buf []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&buf[0])))
}
