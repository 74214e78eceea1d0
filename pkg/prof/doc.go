// Package prof records runtime/pprof profiles around a simulated
// controller session.
//
// Profiling is compiled in only with the "profile" build tag:
//
//	go build -tags profile ./cmd/udcsim
//
// Without the tag every function is a no-op and [Enabled] is false, so
// callers can leave the calls in place.
//
// A session streams the CPU profile while it runs and writes the mutex,
// block and heap snapshots when stopped. The mutex profile shows contention
// on the controller lock between the interrupt path and request
// submission:
//
//	s, err := prof.Start(prof.Options{CPU: "cpu.prof", Mutex: "mutex.prof"})
//	if err != nil {
//		return err
//	}
//	defer s.Stop()
package prof
