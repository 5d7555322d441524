package main

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

const PmemMainPackagePath = "github.com/physmem/pmem/cmd/pmem"

var Verbose bool
var TestSet, TestRegex, TargetOS string

func NewMakeCommands() *cobra.Command {
	RootCommand := &cobra.Command{
		Use:   "make.go",
		Short: "make script for pmem.",
	}

	build := &cobra.Command{
		Use:   "build",
		Short: "Build pmem",
		Long: `Build pmem.

The helper driver only exists on Windows, so the binary is cross-compiled for
windows/amd64 unless --os says otherwise.`,
		Run: func(cmd *cobra.Command, args []string) {
			executeEnv(targetEnv(), "go", "build", buildFlags(), PmemMainPackagePath)
		},
	}
	build.Flags().StringVarP(&TargetOS, "os", "", "windows", "Target operating system.")
	RootCommand.AddCommand(build)

	RootCommand.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Installs pmem",
		Run: func(cmd *cobra.Command, args []string) {
			execute("go", "install", buildFlags(), PmemMainPackagePath)
			fmt.Println(installedExecutablePath())
		},
	})

	RootCommand.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Uninstalls pmem",
		Run: func(cmd *cobra.Command, args []string) {
			execute("go", "clean", "-i", PmemMainPackagePath)
		},
	})

	test := &cobra.Command{
		Use:   "test",
		Short: "Tests pmem",
		Long: `Tests pmem.

None of the tests need the helper driver: the channel is exercised against
an in-memory device.
`,
		Run: testCmd,
	}
	test.PersistentFlags().BoolVarP(&Verbose, "verbose", "v", false, "Verbose tests")
	test.PersistentFlags().StringVarP(&TestSet, "test-set", "s", "", `Select the set of tests to run, one of either:
	all		tests all packages
	core		tests channel, pagewalk and kmem
	cli		tests terminal and cmd/pmem/cmds
	package-name	test the specified package only
`)
	test.PersistentFlags().StringVarP(&TestRegex, "test-run", "r", "", `Only runs the tests matching the specified regex. This option can only be specified if testset is a single package`)
	RootCommand.AddCommand(test)

	RootCommand.AddCommand(&cobra.Command{
		Use:   "vet",
		Short: "Vets pmem for every supported operating system",
		Run: func(cmd *cobra.Command, args []string) {
			for _, goos := range []string{"windows", "linux"} {
				executeEnv([]string{"GOOS=" + goos}, "go", "vet", "./...")
			}
		},
	})

	return RootCommand
}

func strflatten(v []interface{}) []string {
	r := []string{}
	for _, s := range v {
		switch s := s.(type) {
		case []string:
			r = append(r, s...)
		case string:
			if s != "" {
				r = append(r, s)
			}
		}
	}
	return r
}

func executeq(env []string, cmd string, args ...interface{}) {
	x := exec.Command(cmd, strflatten(args)...)
	x.Stdout = os.Stdout
	x.Stderr = os.Stderr
	x.Env = append(os.Environ(), env...)
	err := x.Run()
	if x.ProcessState != nil && !x.ProcessState.Success() {
		os.Exit(1)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func execute(cmd string, args ...interface{}) {
	executeEnv(nil, cmd, args...)
}

func executeEnv(env []string, cmd string, args ...interface{}) {
	fmt.Printf("%s%s %s\n", strings.Join(append(env, ""), " "), cmd, strings.Join(quotemaybe(strflatten(args)), " "))
	executeq(env, cmd, args...)
}

func quotemaybe(args []string) []string {
	for i := range args {
		if strings.Contains(args[i], " ") {
			args[i] = fmt.Sprintf("%q", args[i])
		}
	}
	return args
}

func getoutput(cmd string, args ...interface{}) string {
	x := exec.Command(cmd, strflatten(args)...)
	x.Env = os.Environ()
	out, err := x.Output()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing %s %v\n", cmd, args)
		log.Fatal(err)
	}
	return string(out)
}

func targetEnv() []string {
	if TargetOS == "" {
		return nil
	}
	return []string{"GOOS=" + TargetOS, "GOARCH=amd64"}
}

func installedExecutablePath() string {
	exe := "pmem"
	if strings.TrimSpace(getoutput("go", "env", "GOOS")) == "windows" {
		exe += ".exe"
	}
	if gobin := os.Getenv("GOBIN"); gobin != "" {
		return filepath.Join(gobin, exe)
	}
	gopath := filepath.SplitList(getoutput("go", "env", "GOPATH"))
	return filepath.Join(strings.TrimSpace(gopath[0]), "bin", exe)
}

func buildFlags() []string {
	buildSHA, err := exec.Command("git", "rev-parse", "HEAD").CombinedOutput()
	if err != nil {
		return nil
	}
	return []string{"-ldflags=-X main.Build=" + strings.TrimSpace(string(buildSHA))}
}

func testFlags() []string {
	testFlags := []string{"-count", "1"}
	if Verbose {
		testFlags = append(testFlags, "-v")
	}
	return testFlags
}

func testCmd(cmd *cobra.Command, args []string) {
	testPackages := testSetToPackages(TestSet)
	if len(testPackages) == 0 {
		fmt.Printf("Unknown test set %q\n", TestSet)
		os.Exit(1)
	}
	if TestRegex != "" {
		if len(testPackages) != 1 {
			fmt.Printf("Can not use test-run with test set %q\n", TestSet)
			os.Exit(1)
		}
		execute("go", "test", testFlags(), testPackages, "-run="+TestRegex)
		return
	}
	execute("go", "test", testFlags(), testPackages)
}

func testSetToPackages(testSet string) []string {
	switch testSet {
	case "", "all":
		return allPackages()

	case "core":
		return []string{"github.com/physmem/pmem/pkg/channel", "github.com/physmem/pmem/pkg/pagewalk", "github.com/physmem/pmem/pkg/kmem"}

	case "cli":
		return []string{"github.com/physmem/pmem/pkg/terminal", "github.com/physmem/pmem/cmd/pmem/cmds"}

	default:
		for _, pkg := range allPackages() {
			if pkg == testSet || strings.HasSuffix(pkg, "/"+testSet) {
				return []string{pkg}
			}
		}
		return nil
	}
}

func allPackages() []string {
	r := []string{}
	for _, dir := range strings.Split(getoutput("go", "list", "./..."), "\n") {
		dir = strings.TrimSpace(dir)
		if dir == "" || strings.Contains(dir, "/_scripts") {
			continue
		}
		r = append(r, dir)
	}
	sort.Strings(r)
	return r
}

func main() {
	NewMakeCommands().Execute()
}
