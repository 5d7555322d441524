package terminal

import (
	"io"
	"os"

	"github.com/mattn/go-colorable"
)

// consoleOutput translates ANSI escape sequences into console API calls
// unless highlighting is off.
func consoleOutput(dumb bool) io.Writer {
	if dumb {
		return os.Stdout
	}
	return colorable.NewColorableStdout()
}
