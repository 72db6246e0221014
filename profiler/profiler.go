// Package profiler is the public entry point of the memtrail capture
// runtime. An application (or the cgo shim interposing on libc) calls
// Start once, routes allocator traffic through the hook entry points, and
// gets a capture file or live stream out.
//
//	if err := profiler.Start(); err != nil { ... }
//	defer profiler.Stop()
//
// Configuration comes from the MEMTRAIL_* environment variables; see the
// config package for the full list. SIGUSR1 and SIGUSR2 toggle tracing at
// runtime.
package profiler

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/memtrail/memtrail/internal/config"
	"github.com/memtrail/memtrail/internal/diaglog"
	"github.com/memtrail/memtrail/internal/hook"
)

var (
	mu      sync.Mutex
	active  *hook.Profiler
	diag    *diaglog.Writer
	sigDone chan struct{}
)

// Option customises Start.
type Option func(*options)

type options struct {
	cfg       *config.Runtime
	allocator hook.Allocator
	hookOpts  []hook.Option
}

// WithConfig bypasses the environment and uses cfg directly.
func WithConfig(cfg config.Runtime) Option {
	return func(o *options) { o.cfg = &cfg }
}

// WithAllocator traces the given allocator instead of the built-in arena.
func WithAllocator(a hook.Allocator) Option {
	return func(o *options) { o.allocator = a }
}

// WithHookOptions forwards low-level options to the hook runtime (custom
// capture function, operator new range, mallopt handler).
func WithHookOptions(opts ...hook.Option) Option {
	return func(o *options) { o.hookOpts = append(o.hookOpts, opts...) }
}

// Start initialises the process-wide capture runtime. Calling Start while
// a previous runtime is still running is an error.
func Start(opts ...Option) error {
	mu.Lock()
	defer mu.Unlock()
	if active != nil {
		return fmt.Errorf("profiler: already started")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfg := config.Runtime{}
	if o.cfg != nil {
		cfg = *o.cfg
	} else {
		loaded, err := config.FromEnv()
		if err != nil {
			return err
		}
		cfg = loaded
	}

	logger, diagWriter, err := newRuntimeLogger(cfg.Log)
	if err != nil {
		return err
	}

	alloc := o.allocator
	if alloc == nil {
		alloc = hook.NewArena()
	}

	p, err := hook.New(cfg, logger, alloc, o.hookOpts...)
	if err != nil {
		closeDiag(diagWriter)
		return err
	}
	if err := p.Start(); err != nil {
		closeDiag(diagWriter)
		return err
	}

	active = p
	diag = diagWriter
	installSignalHandlers(p, logger)
	return nil
}

// Stop drains the runtime, flushes the capture, and tears down the signal
// handlers. It is safe to call Stop multiple times.
func Stop() {
	mu.Lock()
	p := active
	active = nil
	d := diag
	diag = nil
	done := sigDone
	sigDone = nil
	mu.Unlock()

	if p == nil {
		return
	}
	if done != nil {
		close(done)
	}
	p.Stop()
	closeDiag(d)
}

// SetMarker labels all subsequent allocations with value.
func SetMarker(value uint32) {
	if p := current(); p != nil {
		p.SetMarker(value)
	}
}

// OverrideNextTimestamp forces the next recorded event to carry the given
// microsecond timestamp.
func OverrideNextTimestamp(usecs uint64) {
	if p := current(); p != nil {
		p.OverrideNextTimestamp(usecs)
	}
}

// TriggerMemoryDump snapshots the process memory into the capture.
func TriggerMemoryDump() {
	if p := current(); p != nil {
		p.RequestMemoryDump()
	}
}

// Enable turns tracing on; Disable turns it off.
func Enable() {
	if p := current(); p != nil {
		p.Enable()
	}
}

// Disable turns tracing off; hooks pass through until re-enabled.
func Disable() {
	if p := current(); p != nil {
		p.Disable()
	}
}

// Runtime exposes the active hook runtime, or nil when not started. The
// cgo shim uses this to reach the raw hook entry points.
func Runtime() *hook.Profiler { return current() }

func current() *hook.Profiler {
	mu.Lock()
	defer mu.Unlock()
	return active
}

// newRuntimeLogger builds the runtime's diagnostic logger per LogConfig: a
// nil logger when diagnostics are disabled, a rotating file when LOGFILE
// is set, stderr otherwise.
func newRuntimeLogger(cfg config.LogConfig) (*slog.Logger, *diaglog.Writer, error) {
	if cfg.Level == "" {
		return nil, nil, nil
	}
	var w io.Writer = os.Stderr
	var rotating *diaglog.Writer
	if cfg.File != "" {
		opened, err := diaglog.Open(cfg.File, cfg.RotateWhenBiggerThan)
		if err != nil {
			return nil, nil, err
		}
		rotating = opened
		w = opened
	}
	return config.NewLogger(w, cfg.Level), rotating, nil
}

func closeDiag(d *diaglog.Writer) {
	if d != nil {
		_ = d.Close()
	}
}

// installSignalHandlers wires SIGUSR1 (enable) and SIGUSR2 (disable) to
// the tracing toggle. The goroutine exits when Stop closes sigDone.
func installSignalHandlers(p *hook.Profiler, logger *slog.Logger) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGUSR1, syscall.SIGUSR2)
	done := make(chan struct{})
	sigDone = done

	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case sig := <-ch:
				switch sig {
				case syscall.SIGUSR1:
					p.Enable()
				case syscall.SIGUSR2:
					p.Disable()
				}
				if logger != nil {
					logger.Info("tracing toggled by signal",
						slog.String("signal", sig.String()),
						slog.Bool("enabled", p.Enabled()),
					)
				}
			case <-done:
				return
			}
		}
	}()
}
