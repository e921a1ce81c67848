package kernel

import (
	"fmt"
	"os"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"

	"sandboxrunner/sberrors"
)

// probeSpecs lists every kernel attach point this sandbox instruments,
// named the way the eBPF object's program sections are named by
// bpf2go. Each maps to one kernel_function value for diagnostics.
var probeSpecs = []struct {
	program string
	symbol  string
	fn      KernelFunction
	isEntry bool // kprobe (entry) vs kretprobe (return)
}{
	{"wake_up_new_task", "wake_up_new_task", FnWakeUpNewTask, true},
	{"taskstats_exit", "taskstats_exit", FnExit, true},
	{"security_file_open", "security_file_open", FnSecurityFileOpen, true},
	{"security_file_permission", "security_file_permission", FnSecurityFilePermission, true},
	{"security_file_truncate", "security_file_truncate", FnSecurityFileTruncate, true},
	{"security_path_link", "security_path_link", FnSecurityPathLink, true},
	{"do_readlinkat", "do_readlinkat", FnDoReadlinkat, false},
	{"security_path_rename", "security_path_rename", FnSecurityPathRename, true},
	{"security_path_symlink", "security_path_symlink", FnSecurityPathSymlink, true},
	{"security_path_unlink", "security_path_unlink", FnSecurityPathUnlink, true},
	{"security_path_mknod", "security_path_mknod", FnSecurityPathMknod, true},
	{"security_path_chown", "security_path_chown", FnSecurityPathChown, true},
	{"security_path_chmod", "security_path_chmod", FnSecurityPathChmod, true},
	{"security_inode_getattr", "security_inode_getattr", FnSecurityInodeGetattr, false},
	{"do_rmdir", "do_rmdir", FnDoRmdir, false},
	{"do_mkdirat", "do_mkdirat", FnDoMkdirat, false},
	{"security_bprm_committed_creds", "security_bprm_committed_creds", FnSecurityBprmCommittedCreds, true},
	{"vfs_utimes", "vfs_utimes", FnVfsUtimes, true},
}

// Loader loads the sandbox's eBPF programs once per host and attaches
// them to their kernel hooks. Programs and links are shared across every
// runner process that passes the loading-witness check; a reload is
// forced only when the configuration explicitly requests it.
type Loader struct {
	collection *ebpf.Collection
	links      []link.Link
}

// AlreadyLoaded reports whether this host already has the sandbox's
// programs pinned and attached, using the LoadingWitness program as the
// marker, per spec.md §4.8 ("a single program acts as the loading
// witness").
func AlreadyLoaded(pinDir string) bool {
	_, err := ebpf.LoadPinnedProgram(pinDir+"/"+LoadingWitness, nil)
	return err == nil
}

// Load reads the compiled eBPF object at objectPath (produced by
// compiling kernel/bpf/sandbox.bpf.c with clang and linking it the way
// bpf2go does), creates its maps and programs, and attaches every probe
// in probeSpecs. If force is false and the programs are already loaded
// (AlreadyLoaded), Load reuses them instead of reloading.
func Load(objectPath, pinDir string, force bool) (*Loader, error) {
	if !force && AlreadyLoaded(pinDir) {
		coll, err := reattachExisting(pinDir)
		if err != nil {
			return nil, sberrors.Wrap(err, sberrors.ErrKernelLoad, "reattach existing programs")
		}
		return coll, nil
	}

	obj, err := os.Open(objectPath)
	if err != nil {
		return nil, sberrors.Wrap(err, sberrors.ErrKernelLoad, "open eBPF object")
	}
	defer obj.Close()

	spec, err := ebpf.LoadCollectionSpecFromReader(obj)
	if err != nil {
		return nil, sberrors.Wrap(err, sberrors.ErrKernelLoad, "parse eBPF object")
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, sberrors.Wrap(err, sberrors.ErrKernelLoad, "load eBPF collection")
	}

	l := &Loader{collection: coll}
	if err := l.attachAll(); err != nil {
		l.Close()
		return nil, err
	}
	if err := l.pin(pinDir); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

func reattachExisting(pinDir string) (*Loader, error) {
	coll := &ebpf.Collection{Programs: map[string]*ebpf.Program{}, Maps: map[string]*ebpf.Map{}}
	for _, p := range probeSpecs {
		prog, err := ebpf.LoadPinnedProgram(pinDir+"/"+p.program, nil)
		if err != nil {
			return nil, fmt.Errorf("load pinned program %s: %w", p.program, err)
		}
		coll.Programs[p.program] = prog
	}
	l := &Loader{collection: coll}
	if err := l.attachAll(); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

func (l *Loader) attachAll() error {
	for _, p := range probeSpecs {
		prog, ok := l.collection.Programs[p.program]
		if !ok {
			return sberrors.WrapWithDetail(sberrors.ErrLoadingWitnessMissing, sberrors.ErrKernelLoad, "attachAll", "missing program "+p.program)
		}

		var lnk link.Link
		var err error
		if p.isEntry {
			lnk, err = link.Kprobe(p.symbol, prog, nil)
		} else {
			lnk, err = link.Kretprobe(p.symbol, prog, nil)
		}
		if err != nil {
			return sberrors.Wrap(err, sberrors.ErrKernelLoad, "attach "+p.symbol)
		}
		l.links = append(l.links, lnk)
	}
	return nil
}

func (l *Loader) pin(pinDir string) error {
	for name, prog := range l.collection.Programs {
		if err := prog.Pin(pinDir + "/" + name); err != nil {
			return sberrors.Wrap(err, sberrors.ErrKernelLoad, "pin program "+name)
		}
	}
	return nil
}

// Map returns the named map from the loaded collection (e.g. "pid_map",
// "file_access_per_pip"). Callers use this to obtain handles for
// per-pip outer map population.
func (l *Loader) Map(name string) (*ebpf.Map, error) {
	m, ok := l.collection.Maps[name]
	if !ok {
		return nil, sberrors.WrapWithDetail(sberrors.ErrMapAlreadyExists, sberrors.ErrMapCreation, "Map", "no such map: "+name)
	}
	return m, nil
}

// Close detaches every probe link and releases the collection. It does
// not remove the pinned programs, since other runner processes may
// still be attached to them.
func (l *Loader) Close() error {
	var firstErr error
	for _, lnk := range l.links {
		if err := lnk.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if l.collection != nil {
		l.collection.Close()
	}
	return firstErr
}
