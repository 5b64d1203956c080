package prof

// Profile names a runtime/pprof snapshot profile.
type Profile string

// Snapshot profiles.
const (
	ProfileHeap         Profile = "heap"
	ProfileAllocs       Profile = "allocs"
	ProfileGoroutine    Profile = "goroutine"
	ProfileThreadCreate Profile = "threadcreate"
	ProfileBlock        Profile = "block"
	ProfileMutex        Profile = "mutex"
)

// String returns the profile name.
func (p Profile) String() string { return string(p) }

// Options select what a Session records. Empty paths are skipped.
type Options struct {
	CPU       string `yaml:"cpu" help:"Write a CPU profile to this file." type:"path"`
	Heap      string `yaml:"heap" help:"Write a heap profile to this file on exit." type:"path"`
	Goroutine string `yaml:"goroutine" help:"Write a goroutine profile to this file on exit." type:"path"`
	Block     string `yaml:"block" help:"Sample blocking events and write the profile to this file on exit." type:"path"`
	Mutex     string `yaml:"mutex" help:"Sample mutex contention and write the profile to this file on exit." type:"path"`
	HTTP      string `yaml:"http" help:"Serve /debug/pprof on this address, e.g. localhost:6060."`
}

// Enabled reports whether any profile was requested.
func (o Options) Enabled() bool {
	return o != Options{}
}

// snapshots returns the snapshot profiles to write on Stop.
func (o Options) snapshots() []snapshot {
	var s []snapshot
	for _, p := range []snapshot{
		{ProfileHeap, o.Heap},
		{ProfileGoroutine, o.Goroutine},
		{ProfileBlock, o.Block},
		{ProfileMutex, o.Mutex},
	} {
		if p.path != "" {
			s = append(s, p)
		}
	}
	return s
}

type snapshot struct {
	profile Profile
	path    string
}
