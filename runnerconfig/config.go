// Package runnerconfig reads the sandbox runner's configuration from the
// environment. CLI argument parsing is out of scope for this runner: the
// orchestrator that launches it communicates entirely through environment
// variables and the FIFOs described by the external interface.
package runnerconfig

import (
	"os"
	"strconv"
	"strings"

	"sandboxrunner/sberrors"
)

// Config holds the runner's startup configuration, read once from the
// environment at process start.
type Config struct {
	// FAMPath is the path to the manifest payload file.
	FAMPath string

	// RootPid is set by the orchestrator to 1 for self-designation or an
	// explicit pid. FromEnv rejects a missing or non-numeric value; the
	// number itself is not range-checked.
	RootPid int

	// DetoursPath is the path to an optional preload library used for the
	// ptrace fallback. Empty when the fallback is not configured; this
	// runner never exercises it (the ptrace/LD_PRELOAD sandbox is out of
	// scope), but the path is still surfaced for diagnostic logging.
	DetoursPath string

	// PTraceForcedProcessNames is the ';'-separated list of executable
	// basenames that must run under ptrace regardless of detection.
	PTraceForcedProcessNames []string

	// MaxConcurrency caps per-pip map sizes.
	MaxConcurrency int

	// UnconditionallyLoadEBPF forces program reload instead of reusing an
	// already-loaded instance.
	UnconditionallyLoadEBPF bool

	// InjectInfraError records whether the test-hook variable is present.
	// The runner does not act on it: no synthetic error event is emitted
	// at startup.
	InjectInfraError bool

	// EnableDiagnostics records whether the diagnostics variable is
	// present. Nothing in the runner reads it; there is no diagnostics
	// event stream (see SPEC_FULL.md §9a).
	EnableDiagnostics bool

	// EBPFObjectPath is the compiled kernel/bpf/sandbox.bpf.c object to
	// load. Defaults to /usr/lib/sandboxrunner/sandbox.bpf.o.
	EBPFObjectPath string

	// PinDir is where loaded programs are pinned so sibling runners can
	// detect and reuse them via the loading-witness check.
	PinDir string
}

const (
	envFAMPath            = "BxlFamPath"
	envRootPid            = "BxlRootPid"
	envDetoursPath        = "BxlDetoursPath"
	envPTraceForcedNames  = "BxlPTraceForcedProcessNames"
	envMaxConcurrency     = "BxlMaxConcurrency"
	envUnconditionalLoad  = "BxlUnconditionallyLoadEBPF"
	envInjectInfraError   = "BxlInjectInfraError"
	envEnableDiagnostics  = "BxlEnableDiagnostics"
	envEBPFObjectPath     = "BxlEbpfObjectPath"
	envPinDir             = "BxlBpfPinDir"
	defaultMaxConcurrency = 64
	defaultEBPFObjectPath = "/usr/lib/sandboxrunner/sandbox.bpf.o"
	defaultPinDir         = "/sys/fs/bpf/sandboxrunner"
)

// getenvDefault returns the environment variable's value, or def if unset.
func getenvDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// FromEnv reads and validates the runner configuration from the process
// environment.
func FromEnv() (*Config, error) {
	famPath := os.Getenv(envFAMPath)
	if famPath == "" {
		return nil, sberrors.Wrap(sberrors.ErrFAMNotFound, sberrors.ErrManifestPayload, "FromEnv")
	}

	rootPidStr := os.Getenv(envRootPid)
	if rootPidStr == "" {
		return nil, sberrors.New(sberrors.ErrManifestPayload, "FromEnv", envRootPid+" is required")
	}
	rootPid, err := strconv.Atoi(rootPidStr)
	if err != nil {
		return nil, sberrors.Wrap(err, sberrors.ErrManifestPayload, "parse "+envRootPid)
	}

	maxConcurrency := defaultMaxConcurrency
	if v := os.Getenv(envMaxConcurrency); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, sberrors.New(sberrors.ErrManifestPayload, "FromEnv", envMaxConcurrency+" must be a positive integer")
		}
		maxConcurrency = n
	}

	var forced []string
	if v := os.Getenv(envPTraceForcedNames); v != "" {
		for _, name := range strings.Split(v, ";") {
			if name = strings.TrimSpace(name); name != "" {
				forced = append(forced, name)
			}
		}
	}

	cfg := &Config{
		FAMPath:                  famPath,
		RootPid:                  rootPid,
		DetoursPath:              getenvDefault(envDetoursPath, ""),
		PTraceForcedProcessNames: forced,
		MaxConcurrency:           maxConcurrency,
		UnconditionallyLoadEBPF:  present(envUnconditionalLoad),
		InjectInfraError:         present(envInjectInfraError),
		EnableDiagnostics:        present(envEnableDiagnostics),
		EBPFObjectPath:           getenvDefault(envEBPFObjectPath, defaultEBPFObjectPath),
		PinDir:                   getenvDefault(envPinDir, defaultPinDir),
	}
	return cfg, nil
}

// present reports whether an env var is set at all (non-empty presence is
// the signal per the external-interface design, not its value).
func present(key string) bool {
	_, ok := os.LookupEnv(key)
	return ok
}
