package kernel

import (
	"strconv"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"

	"sandboxrunner/sberrors"
)

// Per-pip outer map names, matching the sections declared in
// kernel/bpf/sandbox.bpf.c.
const (
	mapPidSet              = "pid_map"
	mapFileAccessPerPip     = "file_access_per_pip"
	mapDebugBufferPerPip    = "debug_buffer_per_pip"
	mapBreakawayPerPip      = "breakaway_processes_per_pip"
	mapSandboxOptionsPerPip = "sandbox_options_per_pip"
	mapEventCachePerPip     = "event_cache_per_pip"
	mapStringCachePerPip    = "string_cache_per_pip"
	mapStatsPerPip          = "stats_per_pip"
)

// PipMaps bundles the per-pip map handles a runner creates at startup
// and installs into the outer maps under key = runner pid, per
// spec.md §4.8 step 3.
type PipMaps struct {
	RunnerPid int32

	FileAccessRingbuf *ringbuf.Reader
	DebugRingbuf      *ringbuf.Reader

	fileAccessMap *ebpf.Map
	debugMap      *ebpf.Map

	eventCache  *ebpf.Map
	stringCache *ebpf.Map
	breakaway   *ebpf.Map
	options     *ebpf.Map
	stats       *ebpf.Map

	outer *Loader
}

// SandboxOptions mirrors sandbox_options.
type SandboxOptions struct {
	RootPid                int32
	RootPidInitExecOccured int32
	IsMonitoringChildren   int32
}

// PipStats mirrors pip_stats.
type PipStats struct {
	EventCacheHit         int32
	EventCacheMiss        int32
	StringCacheHit        int32
	StringCacheMiss       int32
	StringCacheUncacheable int32
}

// CreatePipMaps creates the full set of per-pip inner maps and installs
// them into l's outer maps keyed by runnerPid. maxConcurrency scales only
// the file-access ring buffer (see fileAccessRingbufSize); the debug ring
// buffer, the event-identity and path-string caches, and the breakaway,
// options and stats maps use the fixed sizes below.
func CreatePipMaps(l *Loader, runnerPid int32, maxConcurrency int) (*PipMaps, error) {
	fileAccessMap, err := ebpf.NewMap(&ebpf.MapSpec{
		Type:       ebpf.RingBuf,
		MaxEntries: uint32(fileAccessRingbufSize(maxConcurrency)),
	})
	if err != nil {
		return nil, sberrors.WrapWithPip(err, sberrors.ErrMapCreation, "create file-access ring buffer", pidString(runnerPid))
	}
	debugMap, err := ebpf.NewMap(&ebpf.MapSpec{
		Type:       ebpf.RingBuf,
		MaxEntries: uint32(debugRingbufSize),
	})
	if err != nil {
		return nil, sberrors.WrapWithPip(err, sberrors.ErrMapCreation, "create debug ring buffer", pidString(runnerPid))
	}

	eventCache, err := ebpf.NewMap(&ebpf.MapSpec{
		Type:       ebpf.LRUHash,
		KeySize:    20, // cache_event_key: dentry(8) + vfsmount(8) + op_type(4)
		ValueSize:  2,  // NO_VALUE sentinel
		MaxEntries: eventCacheMapSize,
	})
	if err != nil {
		return nil, sberrors.WrapWithPip(err, sberrors.ErrMapCreation, "create event cache", pidString(runnerPid))
	}

	stringCache, err := ebpf.NewMap(&ebpf.MapSpec{
		Type:       ebpf.LRUHash,
		KeySize:    stringCachePathMax + 1,
		ValueSize:  2,
		MaxEntries: stringCacheMapSize,
	})
	if err != nil {
		return nil, sberrors.WrapWithPip(err, sberrors.ErrMapCreation, "create string cache", pidString(runnerPid))
	}

	breakaway, err := ebpf.NewMap(&ebpf.MapSpec{
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  filenameMax + 4 + pathMax + 4 + 1, // breakaway_process
		MaxEntries: maxBreakawayProcesses,
	})
	if err != nil {
		return nil, sberrors.WrapWithPip(err, sberrors.ErrMapCreation, "create breakaway table", pidString(runnerPid))
	}

	options, err := ebpf.NewMap(&ebpf.MapSpec{
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  12, // sandbox_options
		MaxEntries: 1,
	})
	if err != nil {
		return nil, sberrors.WrapWithPip(err, sberrors.ErrMapCreation, "create sandbox options", pidString(runnerPid))
	}

	stats, err := ebpf.NewMap(&ebpf.MapSpec{
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  20, // pip_stats
		MaxEntries: 1,
	})
	if err != nil {
		return nil, sberrors.WrapWithPip(err, sberrors.ErrMapCreation, "create stats", pidString(runnerPid))
	}

	pm := &PipMaps{
		RunnerPid:     runnerPid,
		fileAccessMap: fileAccessMap,
		debugMap:      debugMap,
		eventCache:    eventCache,
		stringCache:   stringCache,
		breakaway:     breakaway,
		options:       options,
		stats:         stats,
		outer:         l,
	}

	if err := pm.installOuter(); err != nil {
		pm.Close()
		return nil, err
	}

	pm.FileAccessRingbuf, err = ringbuf.NewReader(fileAccessMap)
	if err != nil {
		pm.Close()
		return nil, sberrors.WrapWithPip(err, sberrors.ErrKernelLoad, "open file-access ring buffer reader", pidString(runnerPid))
	}
	pm.DebugRingbuf, err = ringbuf.NewReader(debugMap)
	if err != nil {
		pm.Close()
		return nil, sberrors.WrapWithPip(err, sberrors.ErrKernelLoad, "open debug ring buffer reader", pidString(runnerPid))
	}

	return pm, nil
}

func (pm *PipMaps) installOuter() error {
	key := pm.RunnerPid
	entries := []struct {
		outerName string
		value     *ebpf.Map
	}{
		{mapFileAccessPerPip, pm.fileAccessMap},
		{mapDebugBufferPerPip, pm.debugMap},
		{mapEventCachePerPip, pm.eventCache},
		{mapStringCachePerPip, pm.stringCache},
		{mapBreakawayPerPip, pm.breakaway},
		{mapSandboxOptionsPerPip, pm.options},
		{mapStatsPerPip, pm.stats},
	}
	for _, e := range entries {
		outer, err := pm.outer.Map(e.outerName)
		if err != nil {
			return err
		}
		fd := uint32(e.value.FD())
		if err := outer.Update(&key, &fd, ebpf.UpdateNoExist); err != nil {
			return sberrors.WrapWithPip(err, sberrors.ErrMapCreation, "install "+e.outerName, pidString(pm.RunnerPid))
		}
	}
	return nil
}

// RemoveOuter deletes this pip's entries from every outer per-pip map,
// per spec.md §4.8 teardown step 4 and §4.6 ("on runner shutdown the
// manager additionally removes the pip entries from the outer per-pip
// maps").
func (pm *PipMaps) RemoveOuter() error {
	key := pm.RunnerPid
	var firstErr error
	for _, name := range []string{
		mapFileAccessPerPip, mapDebugBufferPerPip, mapEventCachePerPip,
		mapStringCachePerPip, mapBreakawayPerPip, mapSandboxOptionsPerPip, mapStatsPerPip,
	} {
		outer, err := pm.outer.Map(name)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := outer.Delete(&key); err != nil && firstErr == nil {
			firstErr = sberrors.WrapWithPip(err, sberrors.ErrMapCreation, "remove outer entry "+name, pidString(pm.RunnerPid))
		}
	}
	return firstErr
}

// Close releases the ring-buffer readers and inner maps.
func (pm *PipMaps) Close() error {
	if pm.FileAccessRingbuf != nil {
		pm.FileAccessRingbuf.Close()
	}
	if pm.DebugRingbuf != nil {
		pm.DebugRingbuf.Close()
	}
	for _, m := range []*ebpf.Map{pm.fileAccessMap, pm.debugMap, pm.eventCache, pm.stringCache, pm.breakaway, pm.options, pm.stats} {
		if m != nil {
			m.Close()
		}
	}
	return nil
}

// PopulateBreakaway writes the FAM's breakaway table into this pip's
// breakaway map, per spec.md §4.8 step 4. Entries beyond the kernel
// table's fixed capacity (maxBreakawayProcesses) are dropped.
func (pm *PipMaps) PopulateBreakaway(entries []BreakawayEntryWire) error {
	if len(entries) > maxBreakawayProcesses {
		entries = entries[:maxBreakawayProcesses]
	}
	for i, e := range entries {
		idx := uint32(i)
		if err := pm.breakaway.Update(&idx, &e, ebpf.UpdateAny); err != nil {
			return sberrors.WrapWithPip(err, sberrors.ErrMapCreation, "populate breakaway entry", pidString(pm.RunnerPid))
		}
	}
	return nil
}

// BreakawayEntryWire mirrors breakaway_process for map writes.
type BreakawayEntryWire struct {
	Tool         [filenameMax]byte
	ToolLen      int32
	Arguments    [pathMax]byte
	ArgumentsLen int32
	IgnoreCase   bool
}

// Fixed sizes from ebpfcommon.h / kernelconstants.h.
const (
	maxBreakawayProcesses = 64
	filenameMax           = 256
	pathMax               = 4096
	eventCacheMapSize     = 16834
	stringCacheMapSize    = 4096
	stringCachePathMax    = 512
	debugRingbufSize      = 4096 * 64
)

// fileAccessRingbufSize scales the ring buffer with configured max
// concurrency the way spec.md describes ("size per-pip outer maps to
// the configured max concurrency"); the base size matches
// FILE_ACCESS_RINGBUFFER_SIZE for the default concurrency of 64.
func fileAccessRingbufSize(maxConcurrency int) int {
	const base = 4096 * 512
	if maxConcurrency <= 0 {
		return base
	}
	return base * maxConcurrency / 64
}

// FileAccessRingbufSize exposes the file-access ring buffer's byte size
// for a given max-concurrency setting, so callers outside this package
// (the ringbuf.Buffer/Manager capacity watch) size their free-fraction
// bookkeeping against the buffer's real capacity rather than an
// unrelated number.
func FileAccessRingbufSize(maxConcurrency int) int {
	return fileAccessRingbufSize(maxConcurrency)
}

// DebugRingbufSize exposes the fixed debug ring buffer's byte size for
// the same reason as FileAccessRingbufSize.
func DebugRingbufSize() int {
	return debugRingbufSize
}

func pidString(pid int32) string {
	return strconv.Itoa(int(pid))
}
