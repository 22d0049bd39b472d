package version

import (
	"bytes"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Version represents the current version of memscan.
type Version struct {
	Major    string
	Minor    string
	Patch    string
	Metadata string
	Build    string
}

// MemscanVersion is the current version of memscan.
var MemscanVersion = Version{
	Major: "0", Minor: "4", Patch: "0", Metadata: "",
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

// BuildInfo returns the Go version and the modules memscan was built with.
func BuildInfo() string {
	return fmt.Sprintf("%s\n%s", runtime.Version(), moduleBuildInfo())
}

func moduleBuildInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "not built in module mode"
	}

	buf := new(bytes.Buffer)
	fmt.Fprintf(buf, " mod\t%s\t%s\t%s\n", info.Main.Path, info.Main.Version, info.Main.Sum)
	for _, dep := range info.Deps {
		fmt.Fprintf(buf, " dep\t%s\t%s\t%s", dep.Path, dep.Version, dep.Sum)
		if dep.Replace != nil {
			fmt.Fprintf(buf, "\t=> %s\t%s\t%s", dep.Replace.Path, dep.Replace.Version, dep.Replace.Sum)
		}
		fmt.Fprintf(buf, "\n")
	}
	return buf.String()
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
