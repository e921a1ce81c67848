package runner

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ResourceUsage is read-only cgroup v2 telemetry (CPU and memory
// accounting) for a pip's root process, returned by ReadResourceUsage; the
// driver does not call it. Non-fatal and best-effort: a pip outside any
// cgroup, or on a cgroup v1 host, simply reports a zero value.
type ResourceUsage struct {
	CPUUsageUsec  uint64
	MemoryCurrent uint64
	MemoryPeak    uint64
}

// cgroupPathForPid resolves the cgroup v2 path for pid from
// /proc/<pid>/cgroup, returning "" if the pid has no unified-hierarchy entry
// (cgroup v1-only host, or pid already reaped).
func cgroupPathForPid(pid int) (string, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/cgroup", pid))
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		// cgroup v2 lines have the form "0::/path"
		if strings.HasPrefix(line, "0::") {
			return strings.TrimPrefix(line, "0::"), nil
		}
	}
	return "", scanner.Err()
}

// ReadResourceUsage reads cgroup v2 cpu.stat and memory.current/memory.peak
// for pid's cgroup. Missing files (cgroup v1, or controller not delegated)
// are tolerated and leave the corresponding field zero.
func ReadResourceUsage(pid int) (ResourceUsage, error) {
	var usage ResourceUsage

	rel, err := cgroupPathForPid(pid)
	if err != nil || rel == "" {
		return usage, err
	}
	dir := filepath.Join("/sys/fs/cgroup", rel)

	if usec, err := readCPUUsageUsec(filepath.Join(dir, "cpu.stat")); err == nil {
		usage.CPUUsageUsec = usec
	}
	if v, err := readUintFile(filepath.Join(dir, "memory.current")); err == nil {
		usage.MemoryCurrent = v
	}
	if v, err := readUintFile(filepath.Join(dir, "memory.peak")); err == nil {
		usage.MemoryPeak = v
	}
	return usage, nil
}

func readCPUUsageUsec(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 2 && fields[0] == "usage_usec" {
			return strconv.ParseUint(fields[1], 10, 64)
		}
	}
	return 0, scanner.Err()
}

func readUintFile(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}
