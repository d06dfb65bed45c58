// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information for the tidemark binaries.
//
// Release builds inject values with -ldflags, for example:
//
//	go build -ldflags "-X github.com/bureau-foundation/tidemark/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// Anything not injected falls back to the VCS stamp the Go toolchain
// embeds in the binary.
package version

import (
	"fmt"
	"io"
	"runtime"
	"runtime/debug"
)

// Set via -ldflags.
var (
	GitCommit = ""
	GitDirty  = ""
	BuildTime = ""
	Version   = "0.1.0-dev"
)

// Build describes the running binary.
type Build struct {
	Version string
	Commit  string
	Dirty   bool
	Time    string
	Go      string
}

// Current resolves the build description, preferring injected values.
func Current() Build {
	build := Build{
		Version: Version,
		Commit:  GitCommit,
		Dirty:   GitDirty == "true",
		Time:    BuildTime,
		Go:      runtime.Version(),
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				if build.Commit == "" && len(setting.Value) >= 7 {
					build.Commit = setting.Value[:7]
				}
			case "vcs.modified":
				if GitDirty == "" {
					build.Dirty = setting.Value == "true"
				}
			case "vcs.time":
				if build.Time == "" {
					build.Time = setting.Value
				}
			}
		}
	}
	if build.Commit == "" {
		build.Commit = "unknown"
	}
	if build.Time == "" {
		build.Time = "unknown"
	}
	return build
}

// String is the one-line form logged at startup.
func (b Build) String() string {
	dirty := ""
	if b.Dirty {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", b.Version, b.Commit, dirty, b.Time)
}

// UserAgent is the User-Agent header binary sends to the collector.
func UserAgent(binary string) string {
	build := Current()
	return fmt.Sprintf("%s/%s (+%s; %s)", binary, build.Version, build.Commit, build.Go)
}

// Print writes the --version output for binary to w.
func Print(w io.Writer, binary string) {
	build := Current()
	fmt.Fprintf(w, "%s %s\n  Go: %s\n  Platform: %s/%s\n",
		binary, build, build.Go, runtime.GOOS, runtime.GOARCH)
}
