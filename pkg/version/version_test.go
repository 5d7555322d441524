package version

import (
	"strings"
	"testing"
)

func TestVersionString(t *testing.T) {
	v := Version{Major: "1", Minor: "2", Patch: "3", Metadata: "rc1", Build: "abc123"}
	want := "Version: 1.2.3-rc1\nBuild: abc123"
	if got := v.String(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if !strings.HasPrefix(PmemVersion.String(), "Version: ") {
		t.Fatalf("unexpected version string %q", PmemVersion.String())
	}
}

func TestBuildInfo(t *testing.T) {
	if !strings.HasPrefix(BuildInfo(), "go") && !strings.HasPrefix(BuildInfo(), "devel") {
		t.Fatalf("build info does not start with the toolchain version: %q", BuildInfo())
	}
}
