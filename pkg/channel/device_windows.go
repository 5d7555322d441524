package channel

import (
	"runtime"

	sys "golang.org/x/sys/windows"
)

type windowsDevice struct {
	handle sys.Handle
}

func openDevice(name string) (Device, error) {
	p, err := sys.UTF16PtrFromString(name)
	if err != nil {
		return nil, err
	}
	h, err := sys.CreateFile(p,
		sys.GENERIC_READ|sys.GENERIC_WRITE|sys.SYNCHRONIZE,
		sys.FILE_SHARE_READ,
		nil,
		sys.OPEN_EXISTING,
		sys.FILE_ATTRIBUTE_NORMAL,
		0)
	if err != nil {
		return nil, err
	}
	return &windowsDevice{handle: h}, nil
}

func (d *windowsDevice) Control(code uint32, in, out, dst []byte) error {
	var inp, outp *byte
	if len(in) > 0 {
		inp = &in[0]
	}
	if len(out) > 0 {
		outp = &out[0]
	}
	var returned uint32
	err := sys.DeviceIoControl(d.handle, code, inp, uint32(len(in)), outp, uint32(len(out)), &returned, nil)
	runtime.KeepAlive(dst)
	return err
}

func (d *windowsDevice) Close() error {
	return sys.CloseHandle(d.handle)
}
