package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-delve/liner"
	"github.com/mattn/go-isatty"

	"github.com/physmem/pmem/pkg/config"
	"github.com/physmem/pmem/pkg/kmem"
	"github.com/physmem/pmem/pkg/logflags"
	"github.com/physmem/pmem/pkg/pagewalk"
)

const (
	historyFile                 string = ".pmem_history"
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"

	ansiRed    = 31
	ansiYellow = 33
	ansiBlue   = 34
)

// Target is the memory session the console operates on.
type Target interface {
	kmem.MemoryReadWriter
	DirectoryTableBase() uint64
	Walk(va uint64) (pagewalk.Translation, error)
	ReadVirtual(addr uint64, buf []byte) error
	WriteVirtual(addr uint64, data []byte) error
	ReadPhysical(addr uint64, buf []byte) error
	WritePhysical(addr uint64, data []byte) error
}

// Term represents the interactive console.
type Term struct {
	target Target
	conf   *config.Config
	prompt string
	line   *liner.State
	cmds   *Commands
	dumb   bool
	stdout io.Writer
	log    logflags.Logger
}

// New returns a new Term.
func New(target Target, conf *config.Config) *Term {
	cmds := DebugCommands()
	if conf != nil && conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}
	if conf == nil {
		conf = &config.Config{}
	}

	dumb := strings.ToLower(os.Getenv("TERM")) == "dumb" || !isatty.IsTerminal(os.Stdout.Fd())
	return &Term{
		target: target,
		conf:   conf,
		prompt: "(pmem) ",
		line:   liner.NewLiner(),
		cmds:   cmds,
		dumb:   dumb,
		stdout: consoleOutput(dumb),
		log:    logflags.ConsoleLogger(),
	}
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	t.line.Close()
}

// Run reads and executes commands until exit is requested or input ends.
func (t *Term) Run() (int, error) {
	defer t.Close()

	t.line.SetCtrlCAborts(true)
	t.line.SetCompleter(t.cmds.complete)

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Printf("Unable to load history file: %v.", err)
	}
	if f, err := os.Open(fullHistoryFile); err == nil {
		t.line.ReadHistory(f)
		f.Close()
	}
	defer t.saveHistory(fullHistoryFile)

	t.Println(ansiBlue, "Directory table base ", fmt.Sprintf("%#x. Type 'help' for list of commands.", t.target.DirectoryTableBase()))

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF || err == liner.ErrPromptAborted {
				fmt.Fprintln(t.stdout, "exit")
				return 0, nil
			}
			return 1, errors.New("prompt for input failed")
		}

		if err := t.cmds.Call(cmdstr, t); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return 0, nil
			}
			if logflags.Console() {
				t.log.Debugf("command %q: %v", cmdstr, err)
			}
			t.Println(ansiRed, "Command failed: ", err.Error())
		}
	}
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}
	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}
	return l, nil
}

func (t *Term) saveHistory(path string) {
	f, err := os.Create(path)
	if err != nil {
		return
	}
	defer f.Close()
	t.line.WriteHistory(f)
}

// Println prints a line to the terminal, highlighting prefix in color
// unless the terminal is dumb.
func (t *Term) Println(color int, prefix, str string) {
	if !t.dumb {
		prefix = fmt.Sprintf(terminalHighlightEscapeCode+"%s"+terminalResetEscapeCode, color, prefix)
	}
	fmt.Fprintf(t.stdout, "%s%s\n", prefix, str)
}

func (t *Term) hexdumpWidth() int {
	if t.conf.HexdumpWidth > 0 {
		return t.conf.HexdumpWidth
	}
	return DefaultHexdumpWidth
}

// ExitRequestError is returned when the user
// exits the console.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}
