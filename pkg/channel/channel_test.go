package channel

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

type exchange struct {
	code uint32
	in   []byte
}

// fakeDevice emulates the helper over a sparse byte-addressed physical memory.
type fakeDevice struct {
	t         *testing.T
	mem       map[uint64]byte
	cr3       uint64
	exchanges []exchange
	failAt    int // 1-based exchange number to fail, 0 for never
	closed    bool
}

var errDevice = errors.New("device i/o error")

func newFakeDevice(t *testing.T) *fakeDevice {
	return &fakeDevice{t: t, mem: map[uint64]byte{}}
}

func (d *fakeDevice) Control(code uint32, in, out, dst []byte) error {
	d.exchanges = append(d.exchanges, exchange{code, append([]byte(nil), in...)})
	if d.failAt == len(d.exchanges) {
		return errDevice
	}
	switch code {
	case DefaultCodes.ControlRegister:
		if len(in) != 4 || binary.LittleEndian.Uint32(in) != 3 || len(out) != 8 {
			d.t.Fatalf("malformed control request in=% x len(out)=%d", in, len(out))
		}
		binary.LittleEndian.PutUint64(out, d.cr3)
	case DefaultCodes.ReadPhysical:
		req, ok := decodeReadRequest(in)
		if !ok {
			d.t.Fatalf("malformed read request % x", in)
		}
		if req.Buffer != bufferAddress(dst) || int(req.Length) != len(dst) {
			d.t.Fatalf("read request does not describe the destination buffer: %+v", req)
		}
		for i := range dst {
			dst[i] = d.mem[req.Addr+uint64(i)]
		}
	case DefaultCodes.WritePhysical:
		req, ok := decodeWriteRequest(in)
		if !ok {
			d.t.Fatalf("malformed write request % x", in)
		}
		var v [4]byte
		binary.LittleEndian.PutUint32(v[:], req.Value)
		for i := range v {
			d.mem[req.Addr+uint64(i)] = v[i]
		}
	default:
		d.t.Fatalf("unknown control code %#x", code)
	}
	return nil
}

func (d *fakeDevice) Close() error {
	d.closed = true
	return nil
}

func (d *fakeDevice) writes() []writeRequest {
	var r []writeRequest
	for _, ex := range d.exchanges {
		if ex.code == DefaultCodes.WritePhysical {
			req, _ := decodeWriteRequest(ex.in)
			r = append(r, req)
		}
	}
	return r
}

func TestControlRegister(t *testing.T) {
	dev := newFakeDevice(t)
	dev.cr3 = 0x1aa000
	c := New(dev, DefaultCodes)
	cr3, err := c.ControlRegister()
	if err != nil {
		t.Fatal(err)
	}
	if cr3 != 0x1aa000 {
		t.Fatalf("got %#x", cr3)
	}

	dev.failAt = 2
	if _, err := c.ControlRegister(); !errors.Is(err, ErrControlQueryFailed) || !errors.Is(err, errDevice) {
		t.Fatalf("expected ErrControlQueryFailed wrapping the device error, got %v", err)
	}
}

func TestReadPhysical(t *testing.T) {
	dev := newFakeDevice(t)
	for i := 0; i < 16; i++ {
		dev.mem[0x2000+uint64(i)] = byte(i + 1)
	}
	c := New(dev, DefaultCodes)
	buf := make([]byte, 16)
	if err := c.ReadPhysical(0x2000, buf); err != nil {
		t.Fatal(err)
	}
	if buf[0] != 1 || buf[15] != 16 {
		t.Fatalf("unexpected contents % x", buf)
	}
	if len(dev.exchanges) != 1 {
		t.Fatalf("expected one exchange, got %d", len(dev.exchanges))
	}
}

func TestReadPhysicalPreconditions(t *testing.T) {
	dev := newFakeDevice(t)
	c := New(dev, DefaultCodes)
	if err := c.ReadPhysical(0, make([]byte, 8)); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("null address: %v", err)
	}
	if err := c.ReadPhysical(0x1000, nil); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("empty buffer: %v", err)
	}
	if len(dev.exchanges) != 0 {
		t.Fatalf("precondition failures reached the device %d times", len(dev.exchanges))
	}
}

func TestReadPhysicalLengthOverflow(t *testing.T) {
	old := maxReadLength
	maxReadLength = 16
	defer func() { maxReadLength = old }()

	dev := newFakeDevice(t)
	c := New(dev, DefaultCodes)
	err := c.ReadPhysical(0x1000, make([]byte, 17))
	if !errors.Is(err, ErrTransferFailed) || !errors.Is(err, errBufferSize) {
		t.Fatalf("oversized buffer: %v", err)
	}
	if len(dev.exchanges) != 0 {
		t.Fatalf("oversized read reached the device %d times", len(dev.exchanges))
	}
	if err := c.ReadPhysical(0x1000, make([]byte, 16)); err != nil {
		t.Fatalf("read at the limit: %v", err)
	}
}

func TestReadPhysicalFailure(t *testing.T) {
	dev := newFakeDevice(t)
	dev.failAt = 1
	c := New(dev, DefaultCodes)
	err := c.ReadPhysical(0x3000, make([]byte, 8))
	var terr *TransferError
	if !errors.As(err, &terr) || !errors.Is(err, ErrTransferFailed) || !errors.Is(err, errDevice) {
		t.Fatalf("unexpected error %v", err)
	}
	if terr.Op != "read" || terr.Addr != 0x3000 || terr.Len != 8 {
		t.Fatalf("unexpected transfer error %+v", terr)
	}
}

func TestWritePhysicalAlignment(t *testing.T) {
	for _, n := range []int{0, 1, 2, 3, 5, 6, 7, 9} {
		dev := newFakeDevice(t)
		c := New(dev, DefaultCodes)
		if err := c.WritePhysical(0x1000, make([]byte, n)); !errors.Is(err, ErrAlignmentViolation) {
			t.Errorf("len %d: expected ErrAlignmentViolation, got %v", n, err)
		}
		if len(dev.exchanges) != 0 {
			t.Errorf("len %d: %d exchanges issued", n, len(dev.exchanges))
		}
	}
}

func TestWritePhysicalSingle(t *testing.T) {
	dev := newFakeDevice(t)
	c := New(dev, DefaultCodes)
	if err := c.WritePhysical(0x4000, []byte{0xef, 0xbe, 0xad, 0xde}); err != nil {
		t.Fatal(err)
	}
	w := dev.writes()
	if len(w) != 1 || w[0].Addr != 0x4000 || w[0].Value != 0xdeadbeef {
		t.Fatalf("unexpected writes %+v", w)
	}
}

func TestWritePhysicalChunks(t *testing.T) {
	dev := newFakeDevice(t)
	c := New(dev, DefaultCodes)
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := c.WritePhysical(0x5000, data); err != nil {
		t.Fatal(err)
	}
	w := dev.writes()
	if len(w) != 2 {
		t.Fatalf("expected 2 exchanges, got %d", len(w))
	}
	if w[0].Addr != 0x5000 || w[0].Value != 0x04030201 {
		t.Errorf("first chunk %+v", w[0])
	}
	if w[1].Addr != 0x5004 || w[1].Value != 0x08070605 {
		t.Errorf("second chunk %+v", w[1])
	}

	buf := make([]byte, 8)
	if err := c.ReadPhysical(0x5000, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, data) {
		t.Fatalf("read back % x", buf)
	}
}

func TestWritePhysicalPartialFailure(t *testing.T) {
	dev := newFakeDevice(t)
	dev.failAt = 3
	c := New(dev, DefaultCodes)
	data := bytes.Repeat([]byte{0xaa}, 16)
	err := c.WritePhysical(0x6000, data)
	var terr *TransferError
	if !errors.As(err, &terr) {
		t.Fatalf("expected *TransferError, got %v", err)
	}
	if terr.Applied != 2 || terr.Addr != 0x6008 {
		t.Fatalf("unexpected failure point %+v", terr)
	}
	if len(dev.exchanges) != 3 {
		t.Fatalf("write continued after failure: %d exchanges", len(dev.exchanges))
	}
	// chunks before the failure stay applied
	for i := uint64(0); i < 8; i++ {
		if dev.mem[0x6000+i] != 0xaa {
			t.Fatalf("byte %d not applied", i)
		}
	}
	if _, ok := dev.mem[0x6008]; ok {
		t.Fatal("failed chunk was applied")
	}
}

func TestOpenUnavailable(t *testing.T) {
	_, err := Open(`\\.\pmem-test-no-such-device`, DefaultCodes)
	if !errors.Is(err, ErrChannelUnavailable) {
		t.Fatalf("expected ErrChannelUnavailable, got %v", err)
	}
}

func TestClose(t *testing.T) {
	dev := newFakeDevice(t)
	if err := New(dev, DefaultCodes).Close(); err != nil || !dev.closed {
		t.Fatalf("close: %v closed=%v", err, dev.closed)
	}
}
