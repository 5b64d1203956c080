//go:build profile

package prof

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	httppprof "net/http/pprof"
	"os"
	"runtime"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/ardnew/softxhci/pkg"
)

// Profiling errors.
var (
	// ErrCPUProfileActive indicates CPU profiling is already active.
	ErrCPUProfileActive = errors.New("cpu profile already active")

	// ErrInvalidProfile indicates an unknown profile name.
	ErrInvalidProfile = errors.New("invalid profile")
)

// cpuMu serializes CPU profiling, which the runtime allows only once.
var cpuMu sync.Mutex

// Session is a running set of profiles.
type Session struct {
	opts Options

	mu      sync.Mutex
	cpu     *os.File
	server  *http.Server
	addr    net.Addr
	stopped bool
}

// Start begins the profiles opts selects.
func Start(opts Options) (*Session, error) {
	s := &Session{opts: opts}

	if opts.Block != "" {
		runtime.SetBlockProfileRate(1)
	}
	if opts.Mutex != "" {
		runtime.SetMutexProfileFraction(1)
	}

	if opts.CPU != "" {
		if err := s.startCPU(opts.CPU); err != nil {
			return nil, err
		}
	}

	if opts.HTTP != "" {
		if err := s.serve(opts.HTTP); err != nil {
			s.stopCPU()
			return nil, err
		}
	}

	if opts.Enabled() {
		pkg.LogInfo(pkg.ComponentCLI, "profiling started", "cpu", opts.CPU, "http", s.Addr())
	}
	return s, nil
}

func (s *Session) startCPU(path string) error {
	if !cpuMu.TryLock() {
		return ErrCPUProfileActive
	}
	f, err := os.Create(path)
	if err != nil {
		cpuMu.Unlock()
		return err
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		cpuMu.Unlock()
		return err
	}
	s.cpu = f
	return nil
}

func (s *Session) stopCPU() error {
	if s.cpu == nil {
		return nil
	}
	pprof.StopCPUProfile()
	err := s.cpu.Close()
	s.cpu = nil
	cpuMu.Unlock()
	return err
}

func (s *Session) serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("pprof listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", httppprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", httppprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", httppprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", httppprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", httppprof.Trace)

	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	s.addr = ln.Addr()
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			pkg.LogWarn(pkg.ComponentCLI, "pprof server", "error", err)
		}
	}()
	return nil
}

// Addr returns the pprof listener's address, or "" if none is running.
func (s *Session) Addr() string {
	if s.addr == nil {
		return ""
	}
	return s.addr.String()
}

// Stop ends CPU profiling, writes the snapshot profiles and shuts the
// HTTP listener down. Only the first call does anything.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true

	errs := []error{s.stopCPU()}
	for _, snap := range s.opts.snapshots() {
		errs = append(errs, Write(snap.profile, snap.path))
	}
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		errs = append(errs, s.server.Shutdown(ctx))
		cancel()
	}
	if s.opts.Block != "" {
		runtime.SetBlockProfileRate(0)
	}
	if s.opts.Mutex != "" {
		runtime.SetMutexProfileFraction(0)
	}
	return errors.Join(errs...)
}

// Write writes a snapshot profile to path.
func Write(profile Profile, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteTo(profile, f, 0); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteTo writes a snapshot profile to w. Debug level 0 is the binary
// format go tool pprof reads; 1 is text.
func WriteTo(profile Profile, w io.Writer, debug int) error {
	p := pprof.Lookup(string(profile))
	if p == nil {
		return fmt.Errorf("%q: %w", profile, ErrInvalidProfile)
	}
	return p.WriteTo(w, debug)
}
