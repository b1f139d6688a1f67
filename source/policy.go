// Package source implements the Source edge and the three
// reference Sources: device, file replay, and network. All three share the
// block-size Policy defined in this file and the assembler in assembler.go,
// and differ only in how raw tags are fed in (the Feed interface).
package source

import "time"

// Policy governs when the shared block assembler emits a Block.
type Policy struct {
	// MaxEvents bounds the number of tags accumulated before a block is
	// emitted even if MaxLatency has not elapsed.
	MaxEvents int
	// MaxLatency bounds the wall-clock time since the first tag in the
	// pending block before a block is emitted even if MaxEvents has not been
	// reached.
	MaxLatency time.Duration
	// IdleGap is the duration of no new tags after which a (possibly
	// partial, possibly empty) block is emitted as a keep-alive.
	IdleGap time.Duration
}

// DefaultPolicy returns the documented defaults: 131072 events, 20ms
// latency, 100ms idle gap.
func DefaultPolicy() Policy {
	return Policy{
		MaxEvents:  131072,
		MaxLatency: 20 * time.Millisecond,
		IdleGap:    100 * time.Millisecond,
	}
}
