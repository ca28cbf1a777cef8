package connector

import (
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"
)

// hookTimeout bounds a single hook invocation.
const hookTimeout = time.Minute

// hook runs an external command when the connection goes up or down. At
// most one invocation runs at a time; overlapping ones are dropped.
type hook struct {
	kind    string
	command string
	log     *slog.Logger
	running atomic.Bool
	run     func(ctx context.Context, command string) error
}

func newHook(kind, command string, log *slog.Logger) *hook {
	return &hook{kind: kind, command: command, log: log, run: runShell}
}

func (h *hook) fire() {
	if h == nil || h.command == "" {
		return
	}
	if !h.running.CompareAndSwap(false, true) {
		h.log.Warn("hook still running, invocation dropped",
			slog.String("hook", h.kind), slog.String("command", h.command))
		return
	}
	go func() {
		defer h.running.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()
		if err := h.run(ctx, h.command); err != nil {
			h.log.Warn("hook failed",
				slog.String("hook", h.kind),
				slog.String("command", h.command),
				slog.String("error", err.Error()))
		}
	}()
}

func runShell(ctx context.Context, command string) error {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	out, err := cmd.CombinedOutput()
	if err != nil && len(out) > 0 {
		return &hookError{err: err, output: strings.TrimSpace(string(out))}
	}
	return err
}

type hookError struct {
	err    error
	output string
}

func (e *hookError) Error() string { return e.err.Error() + ": " + e.output }
func (e *hookError) Unwrap() error { return e.err }
