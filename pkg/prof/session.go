package prof

import "os"

// Profile names a runtime/pprof snapshot profile.
type Profile string

// Snapshot profiles.
const (
	ProfileHeap      Profile = "heap"
	ProfileGoroutine Profile = "goroutine"
	ProfileBlock     Profile = "block"
	ProfileMutex     Profile = "mutex"
)

// String returns the profile name.
func (p Profile) String() string { return string(p) }

// Options selects the profiles a Session records. Empty paths are skipped.
type Options struct {
	CPU   string
	Mutex string
	Block string
	Heap  string
}

// Any reports whether at least one profile is requested.
func (o Options) Any() bool {
	return o.CPU != "" || o.Mutex != "" || o.Block != "" || o.Heap != ""
}

// Session is one profiling run started by Start.
type Session struct {
	opts    Options
	cpu     *os.File
	stopped bool
}
