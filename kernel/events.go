// Package kernel loads and attaches the sandbox's eBPF programs and
// decodes the wire-format events they write to the per-pip ring
// buffers. The struct layouts here mirror ebpf_event_metadata,
// ebpf_event, ebpf_event_double, ebpf_event_exec, and ebpf_event_debug
// exactly, field for field, so that binary.Read against the raw ring
// buffer bytes needs no translation layer.
package kernel

import (
	"bytes"
	"encoding/binary"
	"sync"

	"sandboxrunner/sberrors"
)

// OperationType mirrors operation_type.
type OperationType int32

const (
	OpClone OperationType = iota
	OpPTrace
	OpFirstAllowWriteCheckInProcess
	OpExec
	OpExit
	OpOpen
	OpClose
	OpCreate
	OpGenericWrite
	OpGenericRead
	OpGenericProbe
	OpRename
	OpReadLink
	OpLink
	OpUnlink
	OpBreakAway
	opMax
)

func (o OperationType) String() string {
	names := [...]string{
		"clone", "ptrace", "FirstAllowWriteCheckInProcess", "exec", "exit",
		"open", "close", "create", "write", "read", "probe", "rename",
		"readlink", "link", "unlink", "breakaway",
	}
	if o >= 0 && int(o) < len(names) {
		return names[o]
	}
	return "[unknown operation]"
}

// KernelFunction mirrors kernel_function: the probe point that produced
// the event, kept mostly for diagnostics.
type KernelFunction int32

const (
	FnWakeUpNewTask KernelFunction = iota
	FnExit
	FnPathLookupat
	FnPathOpenat
	FnPathParentat
	FnSecurityFileOpen
	FnSecurityFilePermission
	FnSecurityFileTruncate
	FnPickLinkEnter
	FnSecurityPathLink
	FnDoReadlinkat
	FnSecurityPathRename
	FnSecurityPathRmdir
	FnSecurityPathSymlink
	FnSecurityPathUnlink
	FnSecurityPathMknod
	FnSecurityPathChown
	FnSecurityPathChmod
	FnSecurityInodeGetattr
	FnDoRmdir
	FnDoMkdirat
	FnExecve
	FnExecveat
	FnSecurityBprmCommittedCreds
	FnVfsUtimes
	FnTestSynthetic
)

// LoadingWitness names the program whose presence, across all pinned
// programs, signals that this runner's eBPF programs are fully loaded.
const LoadingWitness = "wake_up_new_task"

// EventType mirrors ebpf_event_type: the outer tag on a ring-buffer record.
type EventType int32

const (
	EventSinglePath EventType = iota + 1
	EventDoublePath
	EventExec
	EventDebug
)

// Metadata mirrors ebpf_event_metadata byte-for-byte.
type Metadata struct {
	EventType                EventType
	Operation                OperationType
	KernelFn                 KernelFunction
	Pid                      int32
	ChildPid                 int32
	Mode                     uint32
	Errno                    int32
	ProcessorID              uint32
	SourcePathIncrementalLen uint16
}

// metadataSize is the on-the-wire size of ebpf_event_metadata: eight
// 4-byte fields, a trailing 2-byte field, and 6 bytes of compiler
// padding inserted by the C struct's natural alignment.
const metadataSize = 4*8 + 2 + 6

// DecodedEvent is the ring-buffer record after the kernel's
// variable-length trailer has been split into Go strings. It is also
// used as the dispatch queue's sentinel carrier (Shutdown=true, all
// other fields zero).
type DecodedEvent struct {
	Metadata Metadata

	SourcePath string
	DestPath   string
	HasDest    bool

	ExePath string
	Args    string
	IsExec  bool

	DebugMessage string
	RunnerPid    int32
	IsDebug      bool

	Shutdown bool
}

// DecodeSinglePath parses an ebpf_event record: metadata followed by the
// incremental-encoded path trailer (kernel/bpf/sandbox.bpf.c's
// emit_single_path writes only the suffix past the shared prefix with
// the per-CPU last-path mirror, recorded in
// Metadata.SourcePathIncrementalLen). SourcePath on the returned event is
// that raw suffix only; callers that need the reconstructed full path
// must go through a PathMirror (see DecodeSinglePath method below),
// which is what the per-pip decode pipeline in runner/driver.go does.
func DecodeSinglePath(raw []byte) (*DecodedEvent, error) {
	meta, rest, err := readMetadata(raw)
	if err != nil {
		return nil, err
	}
	return &DecodedEvent{Metadata: meta, SourcePath: cString(rest)}, nil
}

// PathMirror maintains, per CPU (Metadata.ProcessorID), the last full
// source path seen on an EventSinglePath record, so that record's
// incremental suffix can be expanded back into a full path. This
// mirrors the per-CPU last_path_per_cpu BPF array emit_single_path
// writes the complete path into after computing the shared-prefix
// length, per spec.md §4.4 step 5 / §8 scenario 6. Double-path and exec
// records always carry full paths on the wire and never touch this
// state, matching kernel/bpf/sandbox.bpf.c: only emit_single_path reads
// and updates last_path_per_cpu.
type PathMirror struct {
	mu   sync.Mutex
	last map[uint32]string
}

// NewPathMirror creates an empty per-CPU path mirror for one pip's
// file-access ring-buffer decode pipeline. A pip's ring buffer chain
// (original plus any overflow buffers) shares a single PathMirror, since
// overflow buffers carry on the same per-CPU prefix state the kernel
// side maintains independent of which ring buffer a record lands in.
func NewPathMirror() *PathMirror {
	return &PathMirror{last: make(map[uint32]string)}
}

// DecodeSinglePath decodes raw like the package-level DecodeSinglePath,
// then reconstructs SourcePath into the full path using this CPU's
// mirrored last path, and updates the mirror for the next record on the
// same CPU.
func (m *PathMirror) DecodeSinglePath(raw []byte) (*DecodedEvent, error) {
	ev, err := DecodeSinglePath(raw)
	if err != nil {
		return nil, err
	}
	ev.SourcePath = m.resolve(ev.Metadata.ProcessorID, ev.Metadata.SourcePathIncrementalLen, ev.SourcePath)
	return ev, nil
}

// resolve expands suffix against the mirrored last path for cpu, taking
// the first sharedPrefixLen bytes of the mirror as the shared prefix
// exactly as kernel/bpf/sandbox.bpf.c's shared_prefix_len computed it on
// the kernel side, then stores the reconstructed full path back into the
// mirror.
func (m *PathMirror) resolve(cpu uint32, sharedPrefixLen uint16, suffix string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := m.last[cpu]
	n := int(sharedPrefixLen)
	if n > len(prefix) {
		n = len(prefix)
	}
	full := prefix[:n] + suffix
	m.last[cpu] = full
	return full
}

// DecodeDoublePath parses an ebpf_event_double record: metadata, a
// 4-byte source-path length (including NUL), then source and
// destination paths concatenated.
func DecodeDoublePath(raw []byte) (*DecodedEvent, error) {
	meta, rest, err := readMetadata(raw)
	if err != nil {
		return nil, err
	}
	if len(rest) < 4 {
		return nil, sberrors.New(sberrors.ErrPathReconstruction, "DecodeDoublePath", "truncated record")
	}
	srcLen := int(int32(binary.LittleEndian.Uint32(rest[:4])))
	body := rest[4:]
	if srcLen < 0 || srcLen > len(body) {
		return nil, sberrors.New(sberrors.ErrPathReconstruction, "DecodeDoublePath", "bad src_path_length")
	}
	return &DecodedEvent{
		Metadata:   meta,
		SourcePath: cString(body[:srcLen]),
		DestPath:   cString(body[srcLen:]),
		HasDest:    true,
	}, nil
}

// DecodeExec parses an ebpf_event_exec record: metadata, a 4-byte
// exe-path length (including NUL), then exe path and argv concatenated.
func DecodeExec(raw []byte) (*DecodedEvent, error) {
	meta, rest, err := readMetadata(raw)
	if err != nil {
		return nil, err
	}
	if len(rest) < 4 {
		return nil, sberrors.New(sberrors.ErrPathReconstruction, "DecodeExec", "truncated record")
	}
	exeLen := int(int32(binary.LittleEndian.Uint32(rest[:4])))
	body := rest[4:]
	if exeLen < 0 || exeLen > len(body) {
		return nil, sberrors.New(sberrors.ErrPathReconstruction, "DecodeExec", "bad exe_path_length")
	}
	return &DecodedEvent{
		Metadata: meta,
		ExePath:  cString(body[:exeLen]),
		Args:     cString(body[exeLen:]),
		IsExec:   true,
	}, nil
}

// DecodeDebug parses an ebpf_event_debug record: event_type, pid,
// runner_pid, then a fixed PATH_MAX message buffer (NUL-terminated).
func DecodeDebug(raw []byte) (*DecodedEvent, error) {
	const headerSize = 4 + 4 + 4
	if len(raw) < headerSize {
		return nil, sberrors.New(sberrors.ErrPathReconstruction, "DecodeDebug", "truncated debug record")
	}
	pid := int32(binary.LittleEndian.Uint32(raw[4:8]))
	runnerPid := int32(binary.LittleEndian.Uint32(raw[8:12]))
	return &DecodedEvent{
		Metadata:     Metadata{EventType: EventDebug, Pid: pid},
		DebugMessage: cString(raw[headerSize:]),
		RunnerPid:    runnerPid,
		IsDebug:      true,
	}, nil
}

// readMetadata decodes a Metadata value directly from byte offsets
// rather than via binary.Read's struct reflection, so the wire layout
// (including the C struct's trailing padding) is explicit and doesn't
// depend on Go's field-ordering/padding assumptions matching C's.
func readMetadata(raw []byte) (Metadata, []byte, error) {
	if len(raw) < metadataSize {
		return Metadata{}, nil, sberrors.New(sberrors.ErrPathReconstruction, "readMetadata", "short record")
	}
	le := binary.LittleEndian
	m := Metadata{
		EventType:                EventType(int32(le.Uint32(raw[0:4]))),
		Operation:                OperationType(int32(le.Uint32(raw[4:8]))),
		KernelFn:                 KernelFunction(int32(le.Uint32(raw[8:12]))),
		Pid:                      int32(le.Uint32(raw[12:16])),
		ChildPid:                 int32(le.Uint32(raw[16:20])),
		Mode:                     le.Uint32(raw[20:24]),
		Errno:                    int32(le.Uint32(raw[24:28])),
		ProcessorID:              le.Uint32(raw[28:32]),
		SourcePathIncrementalLen: le.Uint16(raw[32:34]),
	}
	return m, raw[metadataSize:], nil
}

// cString trims a byte slice at its first NUL, the wire-format's
// terminator for every path/string field.
func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

