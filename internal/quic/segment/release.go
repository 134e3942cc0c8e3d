//go:build !debug

package segment

// Release builds skip misuse-detection bookkeeping entirely; the
// contract (segments must be pushed or freed) is enforced only by the
// debug build, matching this codebase's dev/production logging split.

func trackAlloc(p *Pool, idx uint32) {}

func checkConsumed(p *Pool, s Segment) {}

func trackPush(p *Pool, s Segment) {}
