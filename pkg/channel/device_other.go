//go:build !windows

package channel

import "errors"

var errUnsupportedOS = errors.New("the physical memory helper is only available on windows")

func openDevice(string) (Device, error) {
	return nil, errUnsupportedOS
}
