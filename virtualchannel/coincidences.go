package virtualchannel

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tagtrace/tagstream/errors"
	"github.com/tagtrace/tagstream/measurement"
	"github.com/tagtrace/tagstream/tag"
)

// TimestampPolicy selects how a fired coincidence's output timestamp is
// derived from the arrival times of its contributing tags.
type TimestampPolicy int

const (
	// Last uses the time of the tag that completed the coincidence.
	Last TimestampPolicy = iota
	// Average uses the integer mean of every member channel's most recent
	// arrival time.
	Average
	// First uses the earliest of the member channels' most recent arrivals.
	First
	// ListedFirst uses the most recent arrival of whichever member channel
	// is listed first in the group's declaration.
	ListedFirst
)

type groupState struct {
	channels    []int32
	lastSeen    map[int32]int64
	contributed map[int32]bool
}

// Coincidences emits a virtual tag on a shared output channel every time all
// members of one of its channel groups have arrived within windowPs of each
// other, e.g. detecting simultaneous clicks across detector channels. Groups
// fire independently; when several groups fire within the same dispatched
// block, their tags are emitted in timestamp order, and tags with equal
// timestamps keep the order they fired in, so groups completed by the same
// tag appear in declaration order.
type Coincidences struct {
	*measurement.Base

	windowPs int64
	policy   TimestampPolicy
	output   int32

	mu     sync.Mutex
	groups []*groupState
}

// NewCoincidences constructs a Coincidences detector over groups, each a
// list of channels that must all arrive within windowPs of one another to
// fire, using policy to derive the fired tag's timestamp. All groups share
// one output channel, returned by Output.
func NewCoincidences(name string, groups [][]int32, windowPs int64, policy TimestampPolicy) (*Coincidences, error) {
	if len(groups) == 0 {
		return nil, errors.WrapConfig(fmt.Errorf("coincidences requires at least one group"), "virtualchannel", "NewCoincidences", "groups")
	}
	if windowPs <= 0 {
		return nil, errors.WrapConfig(fmt.Errorf("window_ps must be positive"), "virtualchannel", "NewCoincidences", "window_ps")
	}

	c := &Coincidences{windowPs: windowPs, policy: policy}
	base := measurement.NewBase(name, measurement.Hooks{
		ClearImpl: c.clear,
		NextImpl:  c.next,
	})
	base.SetKind("coincidences")
	c.Base = base

	registered := make(map[int32]bool)
	for gi, channels := range groups {
		if len(channels) < 2 {
			return nil, errors.WrapConfig(fmt.Errorf("group %d requires at least two channels", gi), "virtualchannel", "NewCoincidences", "groups")
		}
		gs := &groupState{
			channels:    append([]int32(nil), channels...),
			lastSeen:    make(map[int32]int64, len(channels)),
			contributed: make(map[int32]bool, len(channels)),
		}
		c.groups = append(c.groups, gs)
		for _, ch := range channels {
			if registered[ch] {
				continue
			}
			registered[ch] = true
			if err := base.RegisterChannel(ch); err != nil {
				return nil, err
			}
		}
	}

	c.output = base.AllocateVirtualChannel()
	return c, nil
}

// Output returns the allocated virtual channel id.
func (c *Coincidences) Output() int32 {
	return c.output
}

func (c *Coincidences) next(tags []tag.Tag, tBegin, tEnd int64) ([]tag.Tag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var produced []tag.Tag
	for _, t := range tags {
		for _, gs := range c.groups {
			if !containsChannel(gs.channels, t.Channel) {
				continue
			}
			gs.lastSeen[t.Channel] = t.TimePs
			gs.contributed[t.Channel] = false

			if !allArrivedLocked(gs) || !withinWindowLocked(gs, c.windowPs) {
				continue
			}

			ts := c.timestampLocked(gs, t.TimePs)
			produced = append(produced, tag.Tag{Type: tag.TimeTag, Channel: c.output, TimePs: ts})
			for _, ch := range gs.channels {
				gs.contributed[ch] = true
			}
		}
	}

	// Policy-computed timestamps aren't guaranteed monotonic across distinct
	// groups firing within the same block, even though each group's own
	// arrivals are. Re-sort so downstream consumers see a time-ordered feed.
	sort.SliceStable(produced, func(i, j int) bool { return produced[i].TimePs < produced[j].TimePs })
	return produced, nil
}

func containsChannel(channels []int32, ch int32) bool {
	for _, c := range channels {
		if c == ch {
			return true
		}
	}
	return false
}

// allArrivedLocked reports whether every member channel has an arrival that
// has not already contributed to a prior fire of this group.
func allArrivedLocked(gs *groupState) bool {
	for _, ch := range gs.channels {
		if _, ok := gs.lastSeen[ch]; !ok {
			return false
		}
		if gs.contributed[ch] {
			return false
		}
	}
	return true
}

func withinWindowLocked(gs *groupState, windowPs int64) bool {
	lo, hi, first := int64(0), int64(0), true
	for _, ch := range gs.channels {
		ts := gs.lastSeen[ch]
		if first {
			lo, hi, first = ts, ts, false
			continue
		}
		if ts < lo {
			lo = ts
		}
		if ts > hi {
			hi = ts
		}
	}
	return hi-lo <= windowPs
}

// timestampLocked derives the fired tag's timestamp per c.policy. Last
// always equals completedAtPs (the completing event's own time, the latest
// arrival by construction); Average, First, and ListedFirst may land
// earlier than that, per their definitions.
func (c *Coincidences) timestampLocked(gs *groupState, completedAtPs int64) int64 {
	switch c.policy {
	case Average:
		var sum int64
		for _, ch := range gs.channels {
			sum += gs.lastSeen[ch]
		}
		return sum / int64(len(gs.channels))
	case First:
		ts := gs.lastSeen[gs.channels[0]]
		for _, ch := range gs.channels[1:] {
			if v := gs.lastSeen[ch]; v < ts {
				ts = v
			}
		}
		return ts
	case ListedFirst:
		return gs.lastSeen[gs.channels[0]]
	default: // Last
		return completedAtPs
	}
}

func (c *Coincidences) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, gs := range c.groups {
		gs.lastSeen = make(map[int32]int64, len(gs.channels))
		gs.contributed = make(map[int32]bool, len(gs.channels))
	}
}
