// Package terminal implements functions for responding to user
// input and dispatching to the memory engine.
package terminal

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"
	"github.com/derekparker/trie"

	"github.com/physmem/pmem/pkg/kmem"
)

type cmdfunc func(t *Term, args []string) error

type command struct {
	aliases        []string
	builtinAliases []string
	helpMsg        string
	cmdFn          cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands for the console.
type Commands struct {
	cmds  []command
	names *trie.Trie
}

// DebugCommands returns a Commands struct with default commands defined.
func DebugCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"dtb", "cr3"}, cmdFn: dtb, helpMsg: `Prints the directory table base captured when the session was opened.`},
		{aliases: []string{"translate", "vtop"}, cmdFn: translate, helpMsg: `Translates a virtual address.

	translate [-v] <address>

With -v every page-table entry visited by the walk is printed.`},
		{aliases: []string{"read", "x"}, cmdFn: readVirtual, helpMsg: `Reads virtual memory.

	read <address> [<length>]

Length defaults to 64 bytes.`},
		{aliases: []string{"readphys", "xp"}, cmdFn: readPhysical, helpMsg: `Reads physical memory.

	readphys <address> [<length>]`},
		{aliases: []string{"write", "w"}, cmdFn: writeVirtual, helpMsg: `Writes virtual memory.

	write <address> <hex bytes>

The number of bytes must be a multiple of 4. Writes longer than 4 bytes
are performed 4 bytes at a time and are not atomic.`},
		{aliases: []string{"writephys", "wp"}, cmdFn: writePhysical, helpMsg: `Writes physical memory.

	writephys <address> <hex bytes>`},
		{aliases: []string{"disassemble", "disass"}, cmdFn: disassemble, helpMsg: `Disassembler.

	disassemble [-f intel|gnu|go] <address> [<length>]

Length defaults to 64 bytes.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: "Exit the console."},
	}

	sort.Sort(ByFirstAlias(c.cmds))
	c.index()
	return c
}

// ByFirstAlias will sort by the first
// alias of a command.
type ByFirstAlias []command

func (a ByFirstAlias) Len() int           { return len(a) }
func (a ByFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a ByFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

func (c *Commands) index() {
	c.names = trie.New()
	for _, cmd := range c.cmds {
		for _, alias := range cmd.aliases {
			c.names.Add(alias, cmd.aliases[0])
		}
	}
}

func (c *Commands) complete(line string) []string {
	if strings.ContainsAny(line, " \t") {
		return nil
	}
	r := c.names.PrefixSearch(strings.ToLower(line))
	sort.Strings(r)
	return r
}

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
// If the command is an empty string it does nothing.
func (c *Commands) Find(cmdstr string) cmdfunc {
	if cmdstr == "" {
		return nullCommand
	}
	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.cmdFn
		}
	}
	return noCmdAvailable
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	args, err := splitCommandLine(cmdstr)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return nil
	}
	return c.Find(args[0])(t, args[1:])
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
	c.index()
}

func splitCommandLine(cmdstr string) ([]string, error) {
	cmdstr = strings.TrimSpace(cmdstr)
	if cmdstr == "" {
		return nil, nil
	}
	v, err := argv.Argv(cmdstr,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal command line '%s'", cmdstr)
	}
	return v[0], nil
}

var errNoCmd = errors.New("command not available")

func noCmdAvailable(t *Term, args []string) error {
	return errNoCmd
}

func nullCommand(t *Term, args []string) error {
	return nil
}

func exitCommand(t *Term, args []string) error {
	return ExitRequestError{}
}

func (c *Commands) help(t *Term, args []string) error {
	if len(args) > 0 {
		for _, cmd := range c.cmds {
			if cmd.match(args[0]) {
				fmt.Fprintln(t.stdout, cmd.helpMsg)
				return nil
			}
		}
		return errNoCmd
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")
	w := tabwriter.NewWriter(t.stdout, 0, 8, 0, '-', 0)
	for _, cmd := range c.cmds {
		h := cmd.helpMsg
		if idx := strings.Index(h, "\n"); idx >= 0 {
			h = h[:idx]
		}
		if len(cmd.aliases) > 1 {
			fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
		} else {
			fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

// ParseAddress parses a numeric address in any base accepted by Go
// integer literals (0x, 0o, 0b prefixes, underscores).
func ParseAddress(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return v, nil
}

// ParseLength parses a byte count. An empty string yields def.
func ParseLength(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(s, 0, 31)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid length %q", s)
	}
	return int(v), nil
}

// ParseBytes decodes a hex string, ignoring an optional 0x prefix and any
// spaces or colons between bytes.
func ParseBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.NewReplacer(" ", "", ":", "").Replace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %v", err)
	}
	return b, nil
}

// EndAddress returns addr+n, failing if the range runs past the top of the
// address space.
func EndAddress(addr uint64, n int) (uint64, error) {
	end := addr + uint64(n)
	if end < addr {
		return 0, fmt.Errorf("range %#x+%#x wraps around the address space", addr, n)
	}
	return end, nil
}

const defaultReadLength = 64

func addrAndLength(args []string) (uint64, int, error) {
	if len(args) < 1 || len(args) > 2 {
		return 0, 0, errors.New("wrong number of arguments")
	}
	addr, err := ParseAddress(args[0])
	if err != nil {
		return 0, 0, err
	}
	var lenstr string
	if len(args) == 2 {
		lenstr = args[1]
	}
	n, err := ParseLength(lenstr, defaultReadLength)
	return addr, n, err
}

func addrAndData(args []string) (uint64, []byte, error) {
	if len(args) != 2 {
		return 0, nil, errors.New("wrong number of arguments")
	}
	addr, err := ParseAddress(args[0])
	if err != nil {
		return 0, nil, err
	}
	data, err := ParseBytes(args[1])
	return addr, data, err
}

func dtb(t *Term, args []string) error {
	fmt.Fprintf(t.stdout, "%#x\n", t.target.DirectoryTableBase())
	return nil
}

func translate(t *Term, args []string) error {
	verbose := false
	if len(args) > 0 && args[0] == "-v" {
		verbose = true
		args = args[1:]
	}
	if len(args) != 1 {
		return errors.New("wrong number of arguments")
	}
	va, err := ParseAddress(args[0])
	if err != nil {
		return err
	}
	tr, err := t.target.Walk(va)
	if verbose {
		PrintWalk(t.stdout, tr)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%#x -> %#x\n", va, tr.Physical)
	return nil
}

func readVirtual(t *Term, args []string) error {
	addr, n, err := addrAndLength(args)
	if err != nil {
		return err
	}
	buf := make([]byte, n)
	if err := t.target.ReadVirtual(addr, buf); err != nil {
		return err
	}
	Hexdump(t.stdout, addr, buf, t.hexdumpWidth())
	return nil
}

func readPhysical(t *Term, args []string) error {
	addr, n, err := addrAndLength(args)
	if err != nil {
		return err
	}
	buf := make([]byte, n)
	if err := t.target.ReadPhysical(addr, buf); err != nil {
		return err
	}
	Hexdump(t.stdout, addr, buf, t.hexdumpWidth())
	return nil
}

func writeVirtual(t *Term, args []string) error {
	addr, data, err := addrAndData(args)
	if err != nil {
		return err
	}
	if err := t.target.WriteVirtual(addr, data); err != nil {
		return err
	}
	t.Println(ansiYellow, "wrote ", fmt.Sprintf("%d bytes at %#x", len(data), addr))
	return nil
}

func writePhysical(t *Term, args []string) error {
	addr, data, err := addrAndData(args)
	if err != nil {
		return err
	}
	if err := t.target.WritePhysical(addr, data); err != nil {
		return err
	}
	t.Println(ansiYellow, "wrote ", fmt.Sprintf("%d bytes at physical %#x", len(data), addr))
	return nil
}

func disassemble(t *Term, args []string) error {
	flavour := kmem.ParseFlavour(t.conf.DisassembleFlavor)
	if len(args) >= 2 && args[0] == "-f" {
		flavour = kmem.ParseFlavour(args[1])
		args = args[2:]
	}
	addr, n, err := addrAndLength(args)
	if err != nil {
		return err
	}
	end, err := EndAddress(addr, n)
	if err != nil {
		return err
	}
	text, err := kmem.Disassemble(t.target, addr, end)
	if err != nil {
		return err
	}
	PrintDisassembly(t.stdout, text, flavour)
	return nil
}
