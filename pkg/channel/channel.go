// Package channel implements the raw physical memory channel: a thin
// request/response client for a privileged helper driver that exposes
// physical memory reads, 32-bit physical memory writes and a control
// register query.
//
// A Channel is not safe for concurrent use. Multi-chunk writes are issued
// as independent exchanges and are not atomic: when chunk i fails, chunks
// 0..i-1 have already been applied and stay applied.
package channel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/physmem/pmem/pkg/logflags"
)

// DefaultDeviceName is the logical name of the helper device.
const DefaultDeviceName = `\\.\cpuz141`

// Codes are the device-control operation codes understood by the helper.
type Codes struct {
	ControlRegister uint32
	ReadPhysical    uint32
	WritePhysical   uint32
}

// DefaultCodes are the operation codes of the stock helper.
var DefaultCodes = Codes{
	ControlRegister: 0x9C402428,
	ReadPhysical:    0x9C402420,
	WritePhysical:   0x9C402430,
}

var (
	// ErrChannelUnavailable is returned when the helper device cannot be opened.
	ErrChannelUnavailable = errors.New("physical memory channel unavailable")
	// ErrControlQueryFailed is returned when the control register query does not complete.
	ErrControlQueryFailed = errors.New("control register query failed")
	// ErrTransferFailed is matched by every *TransferError.
	ErrTransferFailed = errors.New("physical memory transfer failed")
	// ErrAlignmentViolation is returned for writes whose length is zero or
	// not a multiple of 4. No exchange is attempted.
	ErrAlignmentViolation = errors.New("write length must be a non-zero multiple of 4")

	errNullAddress = errors.New("null physical address")
	errEmptyBuffer = errors.New("empty buffer")
	errBufferSize  = errors.New("buffer longer than the 32-bit length field")
)

// TransferError describes a failed physical read or write.
type TransferError struct {
	Op   string
	Addr uint64
	Len  int
	// Applied is the number of 4-byte chunks of a write that completed
	// before the failure.
	Applied int
	Err     error
}

func (e *TransferError) Error() string {
	if e.Op == "write" && e.Applied > 0 {
		return fmt.Sprintf("physical write of %d bytes at %#x failed after %d chunks: %v", e.Len, e.Addr, e.Applied, e.Err)
	}
	return fmt.Sprintf("physical %s of %d bytes at %#x failed: %v", e.Op, e.Len, e.Addr, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

func (e *TransferError) Is(target error) bool { return target == ErrTransferFailed }

// Device performs synchronous device-control exchanges with the helper.
type Device interface {
	// Control issues one request. dst is the caller buffer referenced by
	// address from within in, if any; the device fills it as a side effect
	// of the exchange and it must stay valid until Control returns.
	Control(code uint32, in, out, dst []byte) error
	Close() error
}

// maxReadLength is the largest read the request record can describe.
var maxReadLength uint64 = math.MaxUint32

// Channel is an open session with the helper device.
type Channel struct {
	dev   Device
	codes Codes
	log   logflags.Logger
}

// New returns a Channel that talks to dev using codes.
func New(dev Device, codes Codes) *Channel {
	return &Channel{dev: dev, codes: codes, log: logflags.ChannelLogger()}
}

// Open opens the helper device identified by name.
func Open(name string, codes Codes) (*Channel, error) {
	dev, err := openDevice(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrChannelUnavailable, name, err)
	}
	return New(dev, codes), nil
}

// Close releases the device handle.
func (c *Channel) Close() error {
	return c.dev.Close()
}

// ControlRegister returns the value of control register 3, the
// directory-table base of the current address space.
func (c *Channel) ControlRegister() (uint64, error) {
	out := make([]byte, 8)
	err := c.dev.Control(c.codes.ControlRegister, encodeControlRequest(3), out, nil)
	if logflags.Channel() {
		c.log.Debugf("-> cr3 = %#x (%v)", binary.LittleEndian.Uint64(out), err)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrControlQueryFailed, err)
	}
	return binary.LittleEndian.Uint64(out), nil
}

// ReadPhysical copies len(buf) bytes of physical memory starting at addr
// into buf. The contents of buf are undefined if an error is returned.
func (c *Channel) ReadPhysical(addr uint64, buf []byte) error {
	if addr == 0 {
		return &TransferError{Op: "read", Addr: addr, Len: len(buf), Err: errNullAddress}
	}
	if len(buf) == 0 {
		return &TransferError{Op: "read", Addr: addr, Err: errEmptyBuffer}
	}
	if uint64(len(buf)) > maxReadLength {
		return &TransferError{Op: "read", Addr: addr, Len: len(buf), Err: errBufferSize}
	}
	req := readRequest{Addr: addr, Length: uint32(len(buf)), Buffer: bufferAddress(buf)}
	err := c.dev.Control(c.codes.ReadPhysical, req.encode(), make([]byte, replySize), buf)
	if logflags.Channel() {
		c.log.Debugf("-> read pa=%#x len=%d (%v)", addr, len(buf), err)
	}
	if err != nil {
		return &TransferError{Op: "read", Addr: addr, Len: len(buf), Err: err}
	}
	return nil
}

// WritePhysical writes data to physical memory at addr, one 32-bit value
// per exchange. The length of data must be a non-zero multiple of 4.
// Writes longer than 4 bytes are not atomic: on failure the chunks before
// the failing one remain written.
func (c *Channel) WritePhysical(addr uint64, data []byte) error {
	if len(data) == 0 || len(data)%4 != 0 {
		return fmt.Errorf("%w: got %d bytes", ErrAlignmentViolation, len(data))
	}
	if addr == 0 {
		return &TransferError{Op: "write", Addr: addr, Len: len(data), Err: errNullAddress}
	}
	out := make([]byte, replySize)
	for i := 0; i < len(data)/4; i++ {
		req := writeRequest{
			Addr:  addr + uint64(4*i),
			Value: binary.LittleEndian.Uint32(data[4*i:]),
		}
		err := c.dev.Control(c.codes.WritePhysical, req.encode(), out, nil)
		if logflags.Channel() {
			c.log.Debugf("-> write pa=%#x val=%#08x (%v)", req.Addr, req.Value, err)
		}
		if err != nil {
			return &TransferError{Op: "write", Addr: req.Addr, Len: len(data), Applied: i, Err: err}
		}
	}
	return nil
}
