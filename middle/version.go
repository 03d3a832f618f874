package middle

import (
	"github.com/kolkov/ctmiddle/internal/ct/taskfile"
	"github.com/kolkov/ctmiddle/internal/ct/trace"
)

// Version information for the middle layer.
const (
	// Version is the current version of the middle layer.
	Version = "0.1.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 1

	// VersionPatch is the patch version number.
	VersionPatch = 0
)

// Info describes the middle layer and the stream formats it speaks.
type Info struct {
	// Version is the middle layer version string.
	Version string

	// TraceFormat is the version of the trace format read. Any trace with
	// the same major version is accepted.
	TraceFormat string

	// GraphFormat is the version of the task-graph format written.
	GraphFormat string
}

// GetInfo returns information about the middle layer.
//
// Example:
//
//	info := middle.GetInfo()
//	fmt.Printf("ctmiddle %s (trace %s, graph %s)\n", info.Version, info.TraceFormat, info.GraphFormat)
func GetInfo() Info {
	return Info{
		Version:     Version,
		TraceFormat: trace.Version,
		GraphFormat: taskfile.Version,
	}
}
