// Package handler implements the syscall event handler: it consumes
// decoded kernel events from the dispatch queue, reconstructs and
// resolves paths, maintains the pip's active-pid set, runs the access
// checker, and emits access reports.
package handler

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"sandboxrunner/access"
	"sandboxrunner/dispatch"
	"sandboxrunner/kernel"
	"sandboxrunner/pathutil"
	"sandboxrunner/policy"
	"sandboxrunner/report"
	"sandboxrunner/sandboxevent"
	"sandboxrunner/sberrors"
)

// firstWriteKey identifies a (path, policy-override) pair for the
// "files checked for access" set used to synthesize first-allow-write
// checks, per spec.md §4.7 step 5.
type firstWriteKey struct {
	path          string
	basedOnPolicy bool
}

// Handler is the single consumer of a pip's dispatch queue.
type Handler struct {
	tree   *policy.Tree
	queue  *dispatch.Queue
	writer *report.Writer
	log    *slog.Logger

	activeMu sync.Mutex
	active   map[int32]struct{}

	// firstWriteMu guards firstWriteSeen with a try-lock semantic: if it
	// cannot be acquired within 1ms, the check is skipped and the event
	// reports conservatively, per spec.md §5's shared-resource policy
	// for the "files checked for access" set.
	firstWriteMu   chan struct{} // buffered(1) used as a try-lock
	firstWriteSeen map[firstWriteKey]bool

	// pipComplete is closed when the active-pid set becomes empty.
	pipComplete   chan struct{}
	pipCompleteMu sync.Mutex
	pipCompleted  bool
}

// New creates a handler bound to tree (the parsed FAM) and writer (the
// report FIFO writer).
func New(tree *policy.Tree, queue *dispatch.Queue, writer *report.Writer, log *slog.Logger) *Handler {
	lock := make(chan struct{}, 1)
	lock <- struct{}{}
	return &Handler{
		tree:           tree,
		queue:          queue,
		writer:         writer,
		log:            log,
		active:         make(map[int32]struct{}),
		firstWriteMu:   lock,
		firstWriteSeen: make(map[firstWriteKey]bool),
		pipComplete:    make(chan struct{}),
	}
}

// Run drains the dispatch queue until the shutdown sentinel is observed.
func (h *Handler) Run() {
	for {
		ev, ok := h.queue.Recv()
		if !ok {
			return
		}
		h.handle(ev)
	}
}

// HasPid reports whether pid is currently in the active-pid set.
func (h *Handler) HasPid(pid int32) bool {
	h.activeMu.Lock()
	defer h.activeMu.Unlock()
	_, ok := h.active[pid]
	return ok
}

// WaitForNoActivePids blocks until the active-pid set becomes empty or
// timeout elapses, returning false on timeout (spec.md §5's "bounded
// wait for no active pids" API).
func (h *Handler) WaitForNoActivePids(timeout time.Duration) bool {
	select {
	case <-h.pipComplete:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (h *Handler) handle(ev *kernel.DecodedEvent) {
	switch ev.Metadata.Operation {
	case kernel.OpClone:
		h.onClone(ev)
		return
	case kernel.OpExit:
		h.onExit(ev)
		return
	case kernel.OpBreakAway:
		h.onBreakaway(ev)
		return
	}

	kind := kindFor(ev.Metadata.Operation)
	resolution := resolutionFor(kind)

	path := pathutil.Canonicalize(reconstructPath(ev))
	if !isRooted(path) {
		// Not rooted: a memory-file, pipe, or other non-file dentry.
		// Dropped per spec.md §4.7 step 2.
		return
	}
	path = resolveSymlinks(path, resolution)

	if ev.HasDest && isDirectoryRename(ev) {
		h.handleDirectoryRename(ev, path, resolution)
		return
	}

	se := h.buildEvent(ev, path, kind, resolution)
	h.maybeEmitFirstWriteCheck(se)
	h.runCheckAndReport(se)
}

func (h *Handler) onClone(ev *kernel.DecodedEvent) {
	h.activeMu.Lock()
	h.active[ev.Metadata.ChildPid] = struct{}{}
	h.activeMu.Unlock()
}

func (h *Handler) onExit(ev *kernel.DecodedEvent) {
	h.removePid(ev.Metadata.Pid)
}

func (h *Handler) onBreakaway(ev *kernel.DecodedEvent) {
	// Breakaway removes the pid without signaling pip completion, per
	// spec.md §4.7's state machine.
	h.activeMu.Lock()
	delete(h.active, ev.Metadata.Pid)
	h.activeMu.Unlock()
}

// removePid removes pid from the active set; if the set becomes empty
// it signals pip completion. Double removal, or removal of a pid never
// seen, is silently tolerated.
func (h *Handler) removePid(pid int32) {
	h.activeMu.Lock()
	delete(h.active, pid)
	empty := len(h.active) == 0
	h.activeMu.Unlock()

	if empty {
		h.signalComplete()
	}
}

func (h *Handler) signalComplete() {
	h.pipCompleteMu.Lock()
	defer h.pipCompleteMu.Unlock()
	if !h.pipCompleted {
		h.pipCompleted = true
		close(h.pipComplete)
	}
}

func (h *Handler) buildEvent(ev *kernel.DecodedEvent, path string, kind sandboxevent.Kind, resolution sandboxevent.ResolutionPolicy) *sandboxevent.SandboxEvent {
	se := &sandboxevent.SandboxEvent{
		Kind:       kind,
		Pid:        int(ev.Metadata.Pid),
		SourcePath: path,
		Mode:       ev.Metadata.Mode,
		Errno:      int(ev.Metadata.Errno),
		Resolution: resolution,
		Valid:      true,
	}
	if ev.HasDest {
		se.DestPath = resolveSymlinks(pathutil.Canonicalize(ev.DestPath), resolution)
		se.HasDest = true
	}
	if ev.IsExec {
		se.CommandLine = ev.Args
		se.HasCmdLine = true
	}
	return se
}

func (h *Handler) maybeEmitFirstWriteCheck(se *sandboxevent.SandboxEvent) {
	if se.Kind != sandboxevent.KindCreate && se.Kind != sandboxevent.KindGenericWrite {
		return
	}

	cur := h.tree.Lookup(se.SourcePath)
	if !cur.Has(policy.FlagOverrideAllowWriteForExistingFiles) {
		return
	}

	key := firstWriteKey{path: se.SourcePath, basedOnPolicy: false}

	select {
	case <-h.firstWriteMu:
		defer func() { h.firstWriteMu <- struct{}{} }()
	case <-time.After(time.Millisecond):
		// Could not acquire within 1ms: skip the check, report
		// conservatively, per spec.md §5.
		return
	}

	if h.firstWriteSeen[key] {
		return
	}
	h.firstWriteSeen[key] = true

	exists := fileExists(se.SourcePath)
	result := access.Check(access.CheckWrite, cur, access.Context{Exists: exists})
	h.writer.Write(report.Line{
		Pid:             se.Pid,
		EventType:       sandboxevent.KindFirstAllowWriteCheck,
		RequestedAccess: access.CheckWrite,
		Status:          result.Action,
		Explicit:        result.ReportLevel == access.ReportExplicit,
		SrcPath:         se.SourcePath,
	})
}

func (h *Handler) runCheckAndReport(se *sandboxevent.SandboxEvent) {
	checker := checkerForEvent(se)
	cur := h.tree.Lookup(se.SourcePath)
	ctx := access.Context{Exists: fileExists(se.SourcePath), IsDirectory: isDirectory(se.SourcePath)}
	result := access.Check(checker, cur, ctx)

	if se.HasDest {
		destCur := h.tree.Lookup(se.DestPath)
		destResult := access.Check(checker, destCur, access.Context{Exists: fileExists(se.DestPath)})
		result = access.Combine(result, destResult)
	}

	se.Source = sandboxevent.AccessReport{Valid: true, Result: result, Path: se.SourcePath, RequestedOp: checker}
	se.Seal()

	if result.ReportLevel == access.ReportIgnore {
		return
	}

	if err := h.writer.Write(report.Line{
		Pid:             se.Pid,
		Ppid:            se.Ppid,
		EventType:       se.Kind,
		RequestedAccess: checker,
		Status:          result.Action,
		Explicit:        result.ReportLevel == access.ReportExplicit,
		Errno:           se.Errno,
		SrcPath:         se.SourcePath,
		DstPath:         se.DestPath,
		HasDst:          se.HasDest,
		CommandLine:     se.CommandLine,
		HasCmdLine:      se.HasCmdLine,
	}); err != nil {
		h.log.Error("report write failed", "error", err, "kind", sberrors.ErrFIFOWritePartial.String())
	}
}

// handleDirectoryRename expands a directory rename into a
// first-allow-write-check, a create at the destination, and an unlink
// at the source for every child of the subtree, per spec.md §4.7 step 4.
// The subtree is enumerated at the destination since the source no
// longer exists once the rename has completed.
func (h *Handler) handleDirectoryRename(ev *kernel.DecodedEvent, path string, resolution sandboxevent.ResolutionPolicy) {
	dest := resolveSymlinks(pathutil.Canonicalize(ev.DestPath), resolution)
	children := listSubtree(dest)

	for _, child := range children {
		full := dest + "/" + child
		cur := h.tree.Lookup(full)

		writeResult := access.Check(access.CheckWrite, cur, access.Context{Exists: true})
		h.writer.Write(report.Line{
			EventType:       sandboxevent.KindFirstAllowWriteCheck,
			RequestedAccess: access.CheckWrite,
			Status:          writeResult.Action,
			SrcPath:         full,
		})

		createResult := access.Check(access.CheckCreateDirectoryNoEnforcement, cur, access.Context{})
		h.writer.Write(report.Line{
			EventType:       sandboxevent.KindCreate,
			RequestedAccess: access.CheckCreateDirectoryNoEnforcement,
			Status:          createResult.Action,
			SrcPath:         full,
		})

		oldFull := path + "/" + child
		oldCur := h.tree.Lookup(oldFull)
		unlinkResult := access.Check(access.CheckWrite, oldCur, access.Context{Exists: false})
		h.writer.Write(report.Line{
			EventType:       sandboxevent.KindUnlink,
			RequestedAccess: access.CheckWrite,
			Status:          unlinkResult.Action,
			SrcPath:         oldFull,
		})
	}
}

func kindFor(op kernel.OperationType) sandboxevent.Kind {
	switch op {
	case kernel.OpClone:
		return sandboxevent.KindClone
	case kernel.OpExec:
		return sandboxevent.KindExec
	case kernel.OpExit:
		return sandboxevent.KindExit
	case kernel.OpOpen:
		return sandboxevent.KindOpen
	case kernel.OpClose:
		return sandboxevent.KindClose
	case kernel.OpCreate:
		return sandboxevent.KindCreate
	case kernel.OpGenericRead:
		return sandboxevent.KindGenericRead
	case kernel.OpGenericWrite:
		return sandboxevent.KindGenericWrite
	case kernel.OpGenericProbe:
		return sandboxevent.KindGenericProbe
	case kernel.OpRename:
		return sandboxevent.KindRename
	case kernel.OpReadLink:
		return sandboxevent.KindReadlink
	case kernel.OpLink:
		return sandboxevent.KindLink
	case kernel.OpUnlink:
		return sandboxevent.KindUnlink
	case kernel.OpBreakAway:
		return sandboxevent.KindBreakaway
	default:
		return sandboxevent.KindGenericProbe
	}
}

// checkerForEvent chooses the checker type for se, special-casing readlink:
// an ENOENT on do_readlinkat (carried on the wire as the kernel's negative
// return, -ENOENT) means the entry itself is absent, which maps to the
// absent-probe checker rather than a regular read; any other errno
// (EACCES, ENOTDIR, ELOOP, ...) is a real read failure and uses CheckRead
// like any other read-like operation.
func checkerForEvent(se *sandboxevent.SandboxEvent) access.CheckerType {
	if se.Kind == sandboxevent.KindReadlink && se.Errno == -int(unix.ENOENT) {
		return access.CheckUnixAbsentProbe
	}
	return checkerFor(se.Kind)
}

func checkerFor(kind sandboxevent.Kind) access.CheckerType {
	switch kind {
	case sandboxevent.KindExec:
		return access.CheckExecute
	case sandboxevent.KindGenericRead, sandboxevent.KindReadlink:
		return access.CheckRead
	case sandboxevent.KindGenericWrite, sandboxevent.KindCreate, sandboxevent.KindUnlink, sandboxevent.KindLink:
		return access.CheckWrite
	case sandboxevent.KindGenericProbe, sandboxevent.KindOpen, sandboxevent.KindClose:
		return access.CheckProbe
	default:
		return access.CheckProbe
	}
}

// reconstructPath returns the event's full path. The incremental-prefix
// encoding single-path records carry on the wire is already expanded by
// the time events reach the handler: the decode callback wired into the
// ring-buffer pollers (runner.Driver.decodeFileAccessRecord) runs every
// EventSinglePath record through a kernel.PathMirror before it is ever
// queued, so SourcePath here is already the complete string.
func reconstructPath(ev *kernel.DecodedEvent) string {
	if ev.IsExec {
		return ev.ExePath
	}
	return ev.SourcePath
}

// resolutionFor decides how much symlink resolution an event's paths
// need before the access checker sees them, per spec.md §4.7 step 3. The
// mapping follows the POSIX semantics of each operation's final path
// component: rename/unlink/link/create act on their final component
// without following it (so only the parent directories are resolved),
// readlink's entire purpose is the symlink itself (no resolution at
// all), and every other operation reaches an already-opened-or-probed
// target that must be the fully resolved file.
func resolutionFor(kind sandboxevent.Kind) sandboxevent.ResolutionPolicy {
	switch kind {
	case sandboxevent.KindReadlink, sandboxevent.KindClone, sandboxevent.KindExit,
		sandboxevent.KindClose, sandboxevent.KindBreakaway, sandboxevent.KindFirstAllowWriteCheck:
		return sandboxevent.ResolveNone
	case sandboxevent.KindCreate, sandboxevent.KindGenericWrite, sandboxevent.KindUnlink,
		sandboxevent.KindLink, sandboxevent.KindRename:
		return sandboxevent.ResolveIntermediates
	default:
		return sandboxevent.ResolveFully
	}
}

// resolveSymlinks applies policy to an already syntactically-canonical
// path, grounded on original_source's SyscallHandler::ResolveSymlinksIfNeeded
// (weakly_canonical on the whole path for fullyResolve, weakly_canonical
// on just the parent for resolveIntermediates). Resolution failures
// (a dangling intermediate, a permission error) leave the path as-is,
// matching the original's "if we failed to resolve, keep the original
// path" fallback.
func resolveSymlinks(path string, policy sandboxevent.ResolutionPolicy) string {
	switch policy {
	case sandboxevent.ResolveFully:
		if resolved, err := weaklyResolve(path); err == nil {
			return resolved
		}
		return path
	case sandboxevent.ResolveIntermediates:
		dir := filepath.Dir(path)
		if dir == path {
			return path
		}
		resolvedDir, err := weaklyResolve(dir)
		if err != nil {
			return path
		}
		return filepath.Join(resolvedDir, filepath.Base(path))
	default:
		return path
	}
}

// weaklyResolve mirrors std::filesystem::weakly_canonical: it resolves
// symlinks in the longest existing prefix of path and reattaches any
// trailing components that do not exist yet, so a path whose final
// component hasn't been created still resolves its real ancestry.
func weaklyResolve(path string) (string, error) {
	cur := path
	var tail []string
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			if len(tail) == 0 {
				return resolved, nil
			}
			return filepath.Join(append([]string{resolved}, tail...)...), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		tail = append([]string{filepath.Base(cur)}, tail...)
		cur = parent
	}
}

func isRooted(path string) bool {
	return len(path) > 0 && path[0] == '/'
}

func isDirectoryRename(ev *kernel.DecodedEvent) bool {
	return ev.Metadata.Operation == kernel.OpRename && isDirectory(ev.DestPath)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func isDirectory(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// listSubtree enumerates every entry below dir, recursively, as paths
// relative to dir (each directory before its own children). Entries that
// cannot be read are skipped.
func listSubtree(dir string) []string {
	var names []string
	filepath.Walk(dir, func(p string, _ os.FileInfo, err error) error {
		if err != nil || p == dir {
			return nil
		}
		if rel, relErr := filepath.Rel(dir, p); relErr == nil {
			names = append(names, rel)
		}
		return nil
	})
	return names
}
