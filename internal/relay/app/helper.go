package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/aussiebroadwan/arcrelay/internal/relay/domain"
)

// DefaultHelperStopTimeout bounds how long Stop waits after interrupting the
// helper before killing it.
const DefaultHelperStopTimeout = 5 * time.Second

// ProxyHelper runs the local proxy binary for the lifetime of the process.
// A zero Path makes every method a no-op.
type ProxyHelper struct {
	Path        string
	Args        []string
	StopTimeout time.Duration
	Logger      *slog.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

// NewProxyHelper returns a helper for the binary at path.
func NewProxyHelper(path string, logger *slog.Logger) *ProxyHelper {
	return &ProxyHelper{Path: path, StopTimeout: DefaultHelperStopTimeout, Logger: logger}
}

// Start launches the helper once. Later calls return nil without starting a
// second copy.
func (h *ProxyHelper) Start() error {
	if h == nil || h.Path == "" {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd != nil {
		return nil
	}

	cmd := exec.Command(h.Path, h.Args...) //nolint:gosec // path comes from operator configuration
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return &domain.ConfigFault{Field: "PathToProxy", Message: "start proxy helper", Err: err}
	}

	done := make(chan struct{})
	h.cmd, h.done = cmd, done
	go func() {
		if err := cmd.Wait(); err != nil {
			h.logger().Debug("proxy helper exited", slog.Any("error", err))
		}
		close(done)
	}()

	h.logger().Info("proxy helper started",
		slog.String("path", h.Path),
		slog.Int("pid", cmd.Process.Pid),
	)
	return nil
}

// Stop interrupts the helper and waits for it to exit, killing it when it
// outlives StopTimeout.
func (h *ProxyHelper) Stop() error {
	if h == nil {
		return nil
	}

	h.mu.Lock()
	cmd, done := h.cmd, h.done
	h.mu.Unlock()
	if cmd == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	default:
	}

	if err := cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		h.logger().Warn("proxy helper interrupt failed", slog.Any("error", err))
	}

	timeout := h.StopTimeout
	if timeout <= 0 {
		timeout = DefaultHelperStopTimeout
	}

	select {
	case <-done:
	case <-time.After(timeout):
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill proxy helper: %w", err)
		}
		<-done
	}

	h.logger().Info("proxy helper stopped", slog.Int("pid", cmd.Process.Pid))
	return nil
}

// Running reports whether the helper was started and has not exited.
func (h *ProxyHelper) Running() bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	done := h.done
	h.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

func (h *ProxyHelper) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}
