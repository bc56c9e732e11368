// Copyright 2021 FerretDB Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package version provides information about asyncodbc version and build configuration.
//
// Version and commit are read from the Go build information embedded into binaries
// built with module support.
//
// # Go build tags
//
// The following Go build tags (also known as build constraints) affect builds:
//
//	asyncodbc_debug - enables debug build (see package debugbuild)
package version

import (
	"runtime"
	runtimedebug "runtime/debug"
	"strconv"

	"github.com/FerretDB/asyncodbc/internal/util/debugbuild"
)

// Info provides details about the current build.
//
//nolint:vet // for readability
type Info struct {
	Version          string
	Commit           string
	Dirty            bool
	DebugBuild       bool
	BuildEnvironment map[string]string
}

// info singleton instance set by init().
var info *Info

// unknown is a placeholder for unknown version and commit values.
const unknown = "unknown"

// module path from go.mod.
const module = "github.com/FerretDB/asyncodbc"

// Get returns current build's info.
//
// It returns a shared instance without any synchronization.
func Get() *Info {
	return info
}

// fromBuildInfo fills info from the given build information.
//
// Version is known only when the module is built as a versioned dependency
// or installed with an explicit version; commit is known only for builds in the repository.
func fromBuildInfo(info *Info, buildInfo *runtimedebug.BuildInfo) {
	info.BuildEnvironment["go.version"] = buildInfo.GoVersion

	if buildInfo.Main.Path != module {
		for _, dep := range buildInfo.Deps {
			if dep.Path != module {
				continue
			}

			if v := dep.Version; v != "" && v != "(devel)" {
				info.Version = v
			}

			break
		}

		return
	}

	if v := buildInfo.Main.Version; v != "" && v != "(devel)" {
		info.Version = v
	}

	for _, s := range buildInfo.Settings {
		if s.Value != "" {
			info.BuildEnvironment[s.Key] = s.Value
		}

		switch s.Key {
		case "vcs.revision":
			info.Commit = s.Value
		case "vcs.modified":
			info.Dirty, _ = strconv.ParseBool(s.Value)
		}
	}
}

func init() {
	info = &Info{
		Version:    unknown,
		Commit:     unknown,
		DebugBuild: debugbuild.Enabled,
		BuildEnvironment: map[string]string{
			"go.runtime": runtime.Version(),
		},
	}

	if buildInfo, ok := runtimedebug.ReadBuildInfo(); ok {
		fromBuildInfo(info, buildInfo)
	}
}
