// Package scratch manages temporary on-disk space for pipeline runs.
//
// A Manager owns a root directory. Each pipeline run calls Begin to get a
// Run with its own private subdirectory, acquires Handles from it, and
// defers Close so every handle is released on every exit path:
//
//	run, err := mgr.Begin(runID)
//	if err != nil {
//	    return err
//	}
//	defer run.Close()
//
//	h, err := run.Spool(ctx, "artifact", body, 64*1024)
//
// Writes are charged against a per-run ceiling and an aggregate ceiling
// shared by all runs. Crossing either fails the write with an error that
// unwraps to ErrDiskQuotaExceeded; nothing is silently truncated.
//
// Sweep removes run directories abandoned by crashed processes.
package scratch
