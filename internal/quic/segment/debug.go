//go:build debug

package segment

// trackAlloc and checkConsumed implement the debug-only misuse
// detection the original marks as "every segment must be either
// pushed or freed before drop — an asserting Drop panics otherwise".
// Go has no destructors, so this build records each allocated
// segment's index and asserts on Free that the segment's instance id
// matches the pool's current record for that index, catching
// cross-pool or stale-handle misuse; a full leak check is available at
// test teardown via AssertNoLeaks.

var liveInstances = map[uint32]bool{}

func trackAlloc(p *Pool, idx uint32) {
	liveInstances[idx] = true
}

func checkConsumed(p *Pool, s Segment) {
	if !p.valid(s) {
		panic("segment: double free or cross-pool segment")
	}
	delete(liveInstances, s.idx)
}

func trackPush(p *Pool, s Segment) {
	delete(liveInstances, s.idx)
}

// AssertNoLeaks panics if any allocated segment was never pushed or
// freed. Intended for use at the end of tests built with -tags debug.
func AssertNoLeaks() {
	if len(liveInstances) > 0 {
		panic("segment: leaked segment(s) detected")
	}
}
