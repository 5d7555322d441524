package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"text/tabwriter"
)

// Version represents the current version of pmem.
type Version struct {
	Major    string
	Minor    string
	Patch    string
	Metadata string
	Build    string
}

// PmemVersion is the current version of pmem.
var PmemVersion = Version{
	Major: "0", Minor: "3", Patch: "1", Metadata: "",
	Build: "$Id$",
}

func (v Version) String() string {
	fixBuild(&v)
	ver := fmt.Sprintf("Version: %s.%s.%s", v.Major, v.Minor, v.Patch)
	if v.Metadata != "" {
		ver += "-" + v.Metadata
	}
	return fmt.Sprintf("%s\nBuild: %s", ver, v.Build)
}

// BuildInfo returns the Go toolchain version and the module dependencies
// pmem was built with.
func BuildInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return runtime.Version() + "\nnot built in module mode"
	}
	var sb strings.Builder
	tw := tabwriter.NewWriter(&sb, 0, 8, 1, ' ', 0)
	fmt.Fprintf(tw, "%s\n", runtime.Version())
	fmt.Fprintf(tw, "mod\t%s\t%s\n", info.Main.Path, info.Main.Version)
	for _, dep := range info.Deps {
		if dep.Replace != nil {
			dep = dep.Replace
		}
		fmt.Fprintf(tw, "dep\t%s\t%s\n", dep.Path, dep.Version)
	}
	tw.Flush()
	return sb.String()
}

func fixBuild(v *Version) {
	// Return if v.Build already set, but not if it is Git ident expand file blob hash
	if !strings.HasPrefix(v.Build, "$Id$") {
		return
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			v.Build = setting.Value
			return
		}
	}
}
