// Package kmem provides read and write access to virtual memory of the
// address space captured at construction, on top of a channel that only
// understands physical addresses.
//
// An Engine owns its channel and the directory-table base it captured.
// It performs no locking; callers sharing one Engine between goroutines
// must serialize access themselves, in particular around multi-chunk
// writes, which are not atomic.
package kmem

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"reflect"
	"unsafe"

	"github.com/physmem/pmem/pkg/channel"
	"github.com/physmem/pmem/pkg/logflags"
	"github.com/physmem/pmem/pkg/pagewalk"
)

// Errors returned by Engine operations. They are the same values as the
// ones in the channel and pagewalk packages, so errors.Is works with either.
var (
	ErrChannelUnavailable = channel.ErrChannelUnavailable
	ErrControlQueryFailed = channel.ErrControlQueryFailed
	ErrTransferFailed     = channel.ErrTransferFailed
	ErrAlignmentViolation = channel.ErrAlignmentViolation
	ErrTranslationMiss    = pagewalk.ErrTranslationMiss

	// ErrNotPlainData is returned by ReadAs and WriteAs for types without
	// a fixed encoded size.
	ErrNotPlainData = errors.New("type has no fixed size")
)

// Channel is the physical memory interface an Engine is built on.
type Channel interface {
	ControlRegister() (uint64, error)
	ReadPhysical(addr uint64, buf []byte) error
	WritePhysical(addr uint64, data []byte) error
	Close() error
}

// MemoryReader is like io.ReaderAt, but the offset is a uint64 so that it
// can address all of 64-bit memory.
type MemoryReader interface {
	// ReadMemory is just like io.ReaderAt.ReadAt.
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

// MemoryReadWriter is an interface for reading or writing to
// virtual memory.
type MemoryReadWriter interface {
	MemoryReader
	WriteMemory(addr uint64, data []byte) (written int, err error)
}

// Engine reads and writes virtual memory through a physical channel.
type Engine struct {
	ch  Channel
	dtb uint64
	log logflags.Logger
}

// New captures the directory-table base through ch and returns an Engine
// owning ch. If the capture fails ch is closed and no Engine is returned.
func New(ch Channel) (*Engine, error) {
	dtb, err := ch.ControlRegister()
	if err != nil {
		ch.Close()
		if !errors.Is(err, ErrControlQueryFailed) {
			err = fmt.Errorf("%w: %w", ErrControlQueryFailed, err)
		}
		return nil, err
	}
	e := &Engine{ch: ch, dtb: dtb, log: logflags.EngineLogger()}
	if logflags.Engine() {
		e.log.Debugf("session ready, directory table base %#x", dtb)
	}
	return e, nil
}

// Open opens the helper device and returns an Engine for it.
func Open(device string, codes channel.Codes) (*Engine, error) {
	ch, err := channel.Open(device, codes)
	if err != nil {
		return nil, err
	}
	return New(ch)
}

// Close releases the channel.
func (e *Engine) Close() error {
	return e.ch.Close()
}

// DirectoryTableBase returns the directory-table base captured at
// construction.
func (e *Engine) DirectoryTableBase() uint64 {
	return e.dtb
}

// Translate returns the physical address backing va.
func (e *Engine) Translate(va uint64) (uint64, error) {
	return pagewalk.Translate(e.ch, e.dtb, va)
}

// Walk translates va and reports the page-table entries it went through.
func (e *Engine) Walk(va uint64) (pagewalk.Translation, error) {
	return pagewalk.Walk(e.ch, e.dtb, va)
}

// ReadVirtual fills buf with memory starting at the virtual address addr.
// The whole range is read from the physical page backing addr.
func (e *Engine) ReadVirtual(addr uint64, buf []byte) error {
	pa, err := e.Translate(addr)
	if err != nil {
		return err
	}
	if logflags.Engine() {
		e.log.Debugf("read va=%#x pa=%#x len=%d", addr, pa, len(buf))
	}
	return e.ch.ReadPhysical(pa, buf)
}

// WriteVirtual writes data to the virtual address addr. The length of data
// must be a non-zero multiple of 4; this is checked before any memory is
// touched. Writes longer than 4 bytes are not atomic.
func (e *Engine) WriteVirtual(addr uint64, data []byte) error {
	if len(data) == 0 || len(data)%4 != 0 {
		return fmt.Errorf("%w: got %d bytes", ErrAlignmentViolation, len(data))
	}
	pa, err := e.Translate(addr)
	if err != nil {
		return err
	}
	if logflags.Engine() {
		e.log.Debugf("write va=%#x pa=%#x len=%d", addr, pa, len(data))
	}
	return e.ch.WritePhysical(pa, data)
}

// ReadPhysical reads physical memory directly, without translation.
func (e *Engine) ReadPhysical(addr uint64, buf []byte) error {
	return e.ch.ReadPhysical(addr, buf)
}

// WritePhysical writes physical memory directly, without translation.
func (e *Engine) WritePhysical(addr uint64, data []byte) error {
	return e.ch.WritePhysical(addr, data)
}

// ReadMemory implements MemoryReader over virtual addresses.
func (e *Engine) ReadMemory(buf []byte, addr uint64) (int, error) {
	if err := e.ReadVirtual(addr, buf); err != nil {
		return 0, err
	}
	return len(buf), nil
}

// WriteMemory implements MemoryReadWriter over virtual addresses.
func (e *Engine) WriteMemory(addr uint64, data []byte) (int, error) {
	if err := e.WriteVirtual(addr, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

// ReadAs reads a value of type T from the virtual address addr. T must
// have a fixed size as defined by encoding/binary; it is decoded in
// little-endian order.
func ReadAs[T any](e *Engine, addr uint64) (T, error) {
	var v T
	n := binary.Size(&v)
	if n <= 0 {
		return v, fmt.Errorf("%w: %T", ErrNotPlainData, v)
	}
	buf := make([]byte, n)
	if err := e.ReadVirtual(addr, buf); err != nil {
		return v, err
	}
	decodeValue(reflect.ValueOf(&v).Elem(), buf)
	return v, nil
}

// decodeValue fills v from the packed little-endian layout written by
// binary.Write and returns the unused part of b. Unlike binary.Read it
// also sets unexported struct fields. b must hold at least binary.Size(v)
// bytes.
func decodeValue(v reflect.Value, b []byte) []byte {
	le := binary.LittleEndian
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			f := v.Field(i)
			if !f.CanSet() {
				f = reflect.NewAt(f.Type(), unsafe.Pointer(f.UnsafeAddr())).Elem()
			}
			b = decodeValue(f, b)
		}
		return b
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			b = decodeValue(v.Index(i), b)
		}
		return b
	case reflect.Bool:
		v.SetBool(b[0] != 0)
		return b[1:]
	case reflect.Int8:
		v.SetInt(int64(int8(b[0])))
		return b[1:]
	case reflect.Uint8:
		v.SetUint(uint64(b[0]))
		return b[1:]
	case reflect.Int16:
		v.SetInt(int64(int16(le.Uint16(b))))
		return b[2:]
	case reflect.Uint16:
		v.SetUint(uint64(le.Uint16(b)))
		return b[2:]
	case reflect.Int32:
		v.SetInt(int64(int32(le.Uint32(b))))
		return b[4:]
	case reflect.Uint32:
		v.SetUint(uint64(le.Uint32(b)))
		return b[4:]
	case reflect.Int64:
		v.SetInt(int64(le.Uint64(b)))
		return b[8:]
	case reflect.Uint64:
		v.SetUint(le.Uint64(b))
		return b[8:]
	case reflect.Float32:
		v.SetFloat(float64(math.Float32frombits(le.Uint32(b))))
		return b[4:]
	case reflect.Float64:
		v.SetFloat(math.Float64frombits(le.Uint64(b)))
		return b[8:]
	case reflect.Complex64:
		v.SetComplex(complex(
			float64(math.Float32frombits(le.Uint32(b))),
			float64(math.Float32frombits(le.Uint32(b[4:]))),
		))
		return b[8:]
	case reflect.Complex128:
		v.SetComplex(complex(
			math.Float64frombits(le.Uint64(b)),
			math.Float64frombits(le.Uint64(b[8:])),
		))
		return b[16:]
	}
	panic("unreachable: binary.Size accepted " + v.Type().String())
}

// WriteAs writes v to the virtual address addr in little-endian order. The
// encoded size of T must be a non-zero multiple of 4.
func WriteAs[T any](e *Engine, addr uint64, v T) error {
	n := binary.Size(&v)
	if n <= 0 {
		return fmt.Errorf("%w: %T", ErrNotPlainData, v)
	}
	buf := bytes.NewBuffer(make([]byte, 0, n))
	if err := binary.Write(buf, binary.LittleEndian, &v); err != nil {
		return err
	}
	return e.WriteVirtual(addr, buf.Bytes())
}
