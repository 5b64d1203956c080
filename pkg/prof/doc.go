// Package prof records pprof profiles around a run of the driver.
//
// Profiling is compiled in only with the "profile" build tag:
//
//	go build -tags profile ./cmd/xhcictl
//
// Without the tag [Start] accepts an empty [Options] and returns an inert
// session, and rejects anything else with pkg.ErrNotSupported so a
// requested profile is never silently dropped.
//
// # Sessions
//
// A [Session] starts the CPU profile and the optional /debug/pprof HTTP
// listener, and on [Session.Stop] writes the snapshot profiles:
//
//	s, err := prof.Start(prof.Options{CPU: "cpu.prof", Heap: "heap.prof"})
//	if err != nil {
//	    return err
//	}
//	defer s.Stop()
//
// Block and mutex profiles are only populated while their sampling rate is
// set; Start enables sampling when the matching output path is given.
package prof
