// sandboxrunner is the eBPF process-tree sandbox runner: it loads the
// kernel programs, applies a file access manifest, forks the root process
// under observation, and streams access reports back to its caller.
//
// Usage:
//
//	sandboxrunner <program> [args...]
//
// All other configuration — the manifest path, root pid, concurrency
// limits, and diagnostics toggles — is read from the environment; see
// runnerconfig.FromEnv. The orchestrator that launches this process is
// expected to set that environment, not pass flags.
package main

import (
	"fmt"
	"os"

	"sandboxrunner/logging"
	"sandboxrunner/runner"
	"sandboxrunner/runnerconfig"
)

const (
	envLogLevel  = "BxlLogLevel"
	envLogFormat = "BxlLogFormat"
)

func bootstrapLogging() {
	cfg := logging.Config{
		Level:  logging.ParseLevel(os.Getenv(envLogLevel)),
		Format: os.Getenv(envLogFormat),
		Output: os.Stderr,
	}
	logging.SetDefault(logging.NewLogger(cfg))
}

func main() {
	bootstrapLogging()

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: sandboxrunner <program> [args...]")
		os.Exit(2)
	}
	program := os.Args[1]
	args := os.Args[2:]

	cfg, err := runnerconfig.FromEnv()
	if err != nil {
		logging.Error("invalid runner configuration", "error", err)
		os.Exit(-1)
	}

	d := runner.New(cfg)
	code, err := d.Run(program, args)
	if err != nil {
		logging.Error("runner failed", "error", err)
	}
	os.Exit(code)
}
