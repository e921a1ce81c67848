// Package sberrors: predefined sentinel errors for common failure cases.
package sberrors

// Manifest errors.
var (
	// ErrFAMNotFound indicates the manifest payload file does not exist.
	ErrFAMNotFound = &SandboxError{Kind: ErrManifestPayload, Detail: "manifest payload not found"}

	// ErrFAMMalformed indicates the manifest payload could not be parsed.
	ErrFAMMalformed = &SandboxError{Kind: ErrManifestPayload, Detail: "manifest payload malformed"}
)

// Kernel-load errors.
var (
	// ErrProgramsNotLoaded indicates the kernel programs could not be loaded.
	ErrProgramsNotLoaded = &SandboxError{Kind: ErrKernelLoad, Detail: "kernel programs not loaded"}

	// ErrLoadingWitnessMissing indicates the loading-witness program could not be resolved.
	ErrLoadingWitnessMissing = &SandboxError{Kind: ErrKernelLoad, Detail: "loading witness program missing"}

	// ErrInsufficientCapabilities indicates the runner lacks CAP_BPF/CAP_SYS_ADMIN.
	ErrInsufficientCapabilities = &SandboxError{Kind: ErrKernelLoad, Detail: "insufficient capabilities to load eBPF programs"}
)

// Per-pip map errors.
var (
	// ErrMapAlreadyExists indicates a per-pip map entry already exists for this runner pid.
	ErrMapAlreadyExists = &SandboxError{Kind: ErrMapCreation, Detail: "per-pip map entry already exists"}

	// ErrMapSizeExceeded indicates the configured max concurrency was exceeded.
	ErrMapSizeExceeded = &SandboxError{Kind: ErrMapCreation, Detail: "max concurrency exceeded"}
)

// Policy errors.
var (
	// ErrNoCursor indicates a policy lookup produced no cursor at all (programming error).
	ErrNoCursor = &SandboxError{Kind: ErrPolicyLookup, Detail: "no policy cursor"}
)

// Report-writer errors.
var (
	// ErrLineTooLong indicates a report line exceeds PIPE_BUF.
	ErrLineTooLong = &SandboxError{Kind: ErrFIFOWritePartial, Detail: "report line exceeds PIPE_BUF"}
)

// Runner lifecycle errors.
var (
	// ErrNoRootProcess indicates an operation required a root process that was never forked.
	ErrNoRootProcess = &SandboxError{Kind: ErrMapCreation, Detail: "no root process"}

	// ErrRunnerAlreadyStarted indicates a driver was asked to start its root process a second time.
	ErrRunnerAlreadyStarted = &SandboxError{Kind: ErrKernelLoad, Detail: "runner already started"}
)
