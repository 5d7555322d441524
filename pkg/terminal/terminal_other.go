//go:build !windows

package terminal

import (
	"io"
	"os"
)

func consoleOutput(dumb bool) io.Writer {
	return os.Stdout
}
