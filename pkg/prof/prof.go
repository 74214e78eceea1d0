//go:build profile

package prof

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/pprof"
	"sync"
)

// Enabled reports whether the binary was built with the "profile" tag.
const Enabled = true

var (
	// ErrActive indicates a profiling session is already running.
	ErrActive = errors.New("profiling session already active")

	// ErrInvalidProfile indicates an unknown profile name.
	ErrInvalidProfile = errors.New("invalid profile")
)

var (
	mu     sync.Mutex
	active bool
)

// Start begins a profiling session. The CPU profile streams to opts.CPU
// until Stop; the mutex and block profiles are sampled for the whole
// session and written by Stop.
func Start(opts Options) (*Session, error) {
	mu.Lock()
	defer mu.Unlock()

	if active {
		return nil, ErrActive
	}

	s := &Session{opts: opts}
	if opts.CPU != "" {
		f, err := os.Create(opts.CPU)
		if err != nil {
			return nil, fmt.Errorf("cpu profile: %w", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			f.Close()
			return nil, fmt.Errorf("cpu profile: %w", err)
		}
		s.cpu = f
	}
	if opts.Mutex != "" {
		runtime.SetMutexProfileFraction(1)
	}
	if opts.Block != "" {
		runtime.SetBlockProfileRate(1)
	}

	active = true
	return s, nil
}

// Stop ends the session and writes the snapshot profiles. The first error
// is returned; every profile is still attempted.
func (s *Session) Stop() error {
	mu.Lock()
	defer mu.Unlock()

	if s.stopped {
		return nil
	}
	s.stopped = true
	active = false

	var first error
	keep := func(err error) {
		if first == nil {
			first = err
		}
	}

	if s.cpu != nil {
		pprof.StopCPUProfile()
		keep(s.cpu.Close())
		s.cpu = nil
	}
	if s.opts.Mutex != "" {
		keep(writeFile(ProfileMutex, s.opts.Mutex))
		runtime.SetMutexProfileFraction(0)
	}
	if s.opts.Block != "" {
		keep(writeFile(ProfileBlock, s.opts.Block))
		runtime.SetBlockProfileRate(0)
	}
	if s.opts.Heap != "" {
		keep(writeFile(ProfileHeap, s.opts.Heap))
	}
	return first
}

// WriteTo writes the named snapshot profile to w. Debug level 0 produces
// protobuf for go tool pprof; 1 produces text.
func WriteTo(profile Profile, w io.Writer, debug int) error {
	p := pprof.Lookup(string(profile))
	if p == nil {
		return fmt.Errorf("%s: %w", profile, ErrInvalidProfile)
	}
	return p.WriteTo(w, debug)
}

func writeFile(profile Profile, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%s profile: %w", profile, err)
	}
	defer f.Close()
	return WriteTo(profile, f, 0)
}
