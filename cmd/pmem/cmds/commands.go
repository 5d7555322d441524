package cmds

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/physmem/pmem/cmd/pmem/cmds/helphelpers"
	"github.com/physmem/pmem/pkg/channel"
	"github.com/physmem/pmem/pkg/config"
	"github.com/physmem/pmem/pkg/kmem"
	"github.com/physmem/pmem/pkg/logflags"
	"github.com/physmem/pmem/pkg/terminal"
	"github.com/physmem/pmem/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// device overrides the device name from the configuration file.
	device string

	// verboseWalk prints every entry visited by translate.
	verboseWalk bool
	// physical makes read and write operate on physical addresses.
	physical bool
	// flavour is the syntax used by disassemble.
	flavour flavourValue

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

// session is what the subcommands need from an open engine.
type session interface {
	terminal.Target
	Close() error
}

// openSession is replaced in tests.
var openSession = func(device string, codes channel.Codes) (session, error) {
	e, err := kmem.Open(device, codes)
	if err != nil {
		return nil, err
	}
	return e, nil
}

const pmemCommandLongDesc = `pmem reads and writes kernel memory through a physical memory helper driver.

Virtual addresses are translated by walking the 4-level page tables rooted at
the directory table base captured when the session is opened.

Addresses and lengths accept Go integer literal syntax, for example 0xfffff80000000000.`

const logHelp = `Logging can be enabled with --log and restricted with --log-output, a comma
separated list of components:

	channel	Every exchange with the helper driver
	walk	Every page-table entry read during translation
	engine	Virtual reads and writes (default)
	console	Failed console commands

--log-dest accepts a file path or a file descriptor number.`

// New returns an initialized command tree.
func New(c *config.Config) *cobra.Command {
	conf = c
	if conf == nil {
		conf = &config.Config{}
	}
	flavour = flavourValue(kmem.ParseFlavour(conf.DisassembleFlavor))

	// Main pmem root command.
	rootCommand = &cobra.Command{
		Use:          "pmem",
		Short:        "pmem inspects and patches kernel memory through a physical memory driver.",
		Long:         pmemCommandLongDesc,
		SilenceUsage: true,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'pmem help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'pmem help log').")
	rootCommand.PersistentFlags().StringVarP(&device, "device", "d", "", `Device name of the helper driver (default from config, then \\.\cpuz141).`)

	// 'dtb' subcommand.
	dtbCommand := &cobra.Command{
		Use:   "dtb",
		Short: "Prints the directory table base.",
		Args:  cobra.NoArgs,
		RunE:  withSession(dtbCmd),
	}
	rootCommand.AddCommand(dtbCommand)

	// 'translate' subcommand.
	translateCommand := &cobra.Command{
		Use:   "translate <address>",
		Short: "Translates a virtual address to a physical address.",
		Long: `Translates a virtual address to a physical address.

With -v every page-table entry visited by the walk is printed, along with
the size of the page the address falls in.`,
		Args: cobra.ExactArgs(1),
		RunE: withSession(translateCmd),
	}
	translateCommand.Flags().BoolVarP(&verboseWalk, "verbose", "v", false, "Print the page-table walk.")
	rootCommand.AddCommand(translateCommand)

	// 'read' subcommand.
	readCommand := &cobra.Command{
		Use:   "read <address> [<length>]",
		Short: "Reads memory and prints a hexdump.",
		Long: `Reads memory and prints a hexdump.

The address is virtual unless --phys is given. Length defaults to 64 bytes.
A read never crosses into a second translation: the whole range is read from
the physical address the first byte translates to.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: withSession(readCmd),
	}
	readCommand.Flags().BoolVarP(&physical, "phys", "p", false, "Treat the address as physical.")
	rootCommand.AddCommand(readCommand)

	// 'write' subcommand.
	writeCommand := &cobra.Command{
		Use:   "write <address> <hex bytes>",
		Short: "Writes memory.",
		Long: `Writes memory.

The address is virtual unless --phys is given. The number of bytes must be a
non-zero multiple of 4. Longer writes are issued 4 bytes at a time and are
not atomic: if a chunk fails, the chunks before it stay written.`,
		Args: cobra.ExactArgs(2),
		RunE: withSession(writeCmd),
	}
	writeCommand.Flags().BoolVarP(&physical, "phys", "p", false, "Treat the address as physical.")
	rootCommand.AddCommand(writeCommand)

	// 'disassemble' subcommand.
	disassembleCommand := &cobra.Command{
		Use:   "disassemble <address> [<length>]",
		Short: "Disassembles kernel memory.",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  withSession(disassembleCmd),
	}
	disassembleCommand.Flags().VarP(&flavour, "flavor", "f", "Assembly syntax: intel, gnu or go.")
	rootCommand.AddCommand(disassembleCommand)

	// 'console' subcommand.
	consoleCommand := &cobra.Command{
		Use:   "console",
		Short: "Starts an interactive console.",
		Args:  cobra.NoArgs,
		RunE:  withSession(consoleCmd),
	}
	rootCommand.AddCommand(consoleCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pmem\n%s\n", version.PmemVersion)
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolP("verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long:  logHelp,
	})

	defaultHelp := rootCommand.HelpFunc()
	rootCommand.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		helphelpers.Prepare(cmd)
		defaultHelp(cmd, args)
	})

	return rootCommand
}

type sessionFunc func(s session, out io.Writer, args []string) error

func withSession(fn sessionFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := logflags.Setup(log, logOutput, logDest); err != nil {
			return err
		}
		defer logflags.Close()

		name := conf.DeviceName()
		if device != "" {
			name = device
		}
		s, err := openSession(name, conf.Codes())
		if err != nil {
			return err
		}
		defer s.Close()
		return fn(s, cmd.OutOrStdout(), args)
	}
}

func dtbCmd(s session, out io.Writer, args []string) error {
	fmt.Fprintf(out, "%#x\n", s.DirectoryTableBase())
	return nil
}

func translateCmd(s session, out io.Writer, args []string) error {
	va, err := terminal.ParseAddress(args[0])
	if err != nil {
		return err
	}
	tr, err := s.Walk(va)
	if verboseWalk {
		terminal.PrintWalk(out, tr)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%#x\n", tr.Physical)
	return nil
}

func addrAndLength(args []string) (uint64, int, error) {
	addr, err := terminal.ParseAddress(args[0])
	if err != nil {
		return 0, 0, err
	}
	var lenstr string
	if len(args) > 1 {
		lenstr = args[1]
	}
	n, err := terminal.ParseLength(lenstr, 64)
	return addr, n, err
}

func readCmd(s session, out io.Writer, args []string) error {
	addr, n, err := addrAndLength(args)
	if err != nil {
		return err
	}
	buf := make([]byte, n)
	if physical {
		err = s.ReadPhysical(addr, buf)
	} else {
		err = s.ReadVirtual(addr, buf)
	}
	if err != nil {
		return err
	}
	terminal.Hexdump(out, addr, buf, conf.HexdumpWidth)
	return nil
}

func writeCmd(s session, out io.Writer, args []string) error {
	addr, err := terminal.ParseAddress(args[0])
	if err != nil {
		return err
	}
	data, err := terminal.ParseBytes(args[1])
	if err != nil {
		return err
	}
	if physical {
		err = s.WritePhysical(addr, data)
	} else {
		err = s.WriteVirtual(addr, data)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %d bytes at %#x\n", len(data), addr)
	return nil
}

func disassembleCmd(s session, out io.Writer, args []string) error {
	addr, n, err := addrAndLength(args)
	if err != nil {
		return err
	}
	end, err := terminal.EndAddress(addr, n)
	if err != nil {
		return err
	}
	text, err := kmem.Disassemble(s, addr, end)
	if err != nil {
		return err
	}
	terminal.PrintDisassembly(out, text, kmem.AssemblyFlavour(flavour))
	return nil
}

func consoleCmd(s session, out io.Writer, args []string) error {
	term := terminal.New(s, conf)
	status, err := term.Run()
	if err != nil {
		return err
	}
	if status != 0 {
		return fmt.Errorf("console exited with status %d", status)
	}
	return nil
}

// flavourValue is a pflag.Value accepting the assembly syntax names.
type flavourValue kmem.AssemblyFlavour

var _ pflag.Value = (*flavourValue)(nil)

func (f *flavourValue) String() string {
	switch kmem.AssemblyFlavour(*f) {
	case kmem.GNUFlavour:
		return "gnu"
	case kmem.GoFlavour:
		return "go"
	}
	return "intel"
}

func (f *flavourValue) Set(s string) error {
	switch s {
	case "intel", "gnu", "go":
		*f = flavourValue(kmem.ParseFlavour(s))
		return nil
	}
	return fmt.Errorf("unknown assembly flavor %q", s)
}

func (f *flavourValue) Type() string { return "flavor" }
