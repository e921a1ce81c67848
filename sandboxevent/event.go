// Package sandboxevent defines the internal SandboxEvent record that
// flows from the syscall handler through the access checker to the
// report writer.
package sandboxevent

import "sandboxrunner/access"

// Kind enumerates the event kinds a SandboxEvent can carry.
type Kind int

const (
	KindClone Kind = iota
	KindExec
	KindExit
	KindOpen
	KindClose
	KindCreate
	KindGenericRead
	KindGenericWrite
	KindGenericProbe
	KindRename
	KindReadlink
	KindLink
	KindUnlink
	KindBreakaway
	KindFirstAllowWriteCheck
)

func (k Kind) String() string {
	switch k {
	case KindClone:
		return "clone"
	case KindExec:
		return "exec"
	case KindExit:
		return "exit"
	case KindOpen:
		return "open"
	case KindClose:
		return "close"
	case KindCreate:
		return "create"
	case KindGenericRead:
		return "generic-read"
	case KindGenericWrite:
		return "generic-write"
	case KindGenericProbe:
		return "generic-probe"
	case KindRename:
		return "rename"
	case KindReadlink:
		return "readlink"
	case KindLink:
		return "link"
	case KindUnlink:
		return "unlink"
	case KindBreakaway:
		return "breakaway"
	case KindFirstAllowWriteCheck:
		return "first-allow-write-check"
	default:
		return "unknown"
	}
}

// PathType classifies how SourcePath/DestPath were expressed by the kernel.
type PathType int

const (
	PathAbsolute PathType = iota
	PathRelative
	PathFD
)

// ResolutionPolicy controls how much symlink resolution the handler must
// perform before the access checker sees the event's paths.
type ResolutionPolicy int

const (
	ResolveNone ResolutionPolicy = iota
	ResolveIntermediates
	ResolveFully
)

// AccessReport is the result of running the access checker against one
// path half of an event (source or destination).
type AccessReport struct {
	Valid       bool
	Result      access.Result
	Path        string
	RequestedOp access.CheckerType
}

// SandboxEvent is the internal record threaded through path
// reconstruction, symlink resolution, policy lookup, and access checking.
// It is built from a decoded ring-buffer record and finalized ("sealed")
// once the access checker has run.
type SandboxEvent struct {
	Syscall string
	Kind    Kind

	Pid  int
	Ppid int

	SourcePath string
	DestPath   string
	HasDest    bool

	SourceFD int
	DestFD   int
	HasFD    bool

	Mode  uint32
	Errno int

	CommandLine string
	HasCmdLine  bool

	PathType   PathType
	Resolution ResolutionPolicy

	Source AccessReport
	Dest   AccessReport

	Valid  bool
	sealed bool
}

// Seal finalizes the event; once sealed, its AccessReports reflect the
// final check result and must not be mutated further.
func (e *SandboxEvent) Seal() {
	e.sealed = true
}

// Sealed reports whether Seal has been called.
func (e *SandboxEvent) Sealed() bool { return e.sealed }
