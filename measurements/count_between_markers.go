package measurements

import (
	"fmt"
	"sync"

	"github.com/tagtrace/tagstream/errors"
	"github.com/tagtrace/tagstream/measurement"
	"github.com/tagtrace/tagstream/tag"
)

// CountBetweenMarkers counts events on a count channel falling between
// consecutive events on a marker channel, e.g. counting photons per camera-line
// trigger. Each closed marker interval appends one entry to Results.
type CountBetweenMarkers struct {
	*measurement.Base

	countChannel  int32
	markerChannel int32
	maxResults    int

	mu         sync.Mutex
	sawMarker  bool
	current    uint64
	results    []uint64
}

// NewCountBetweenMarkers constructs a CountBetweenMarkers gating countChannel
// by markerChannel, retaining at most maxResults completed intervals
// (0 means unbounded).
func NewCountBetweenMarkers(name string, countChannel, markerChannel int32, maxResults int) (*CountBetweenMarkers, error) {
	if countChannel == markerChannel {
		return nil, errors.WrapConfig(fmt.Errorf("count_channel and marker_channel must differ"), "measurements", "NewCountBetweenMarkers", "channels")
	}

	c := &CountBetweenMarkers{
		countChannel:  countChannel,
		markerChannel: markerChannel,
		maxResults:    maxResults,
	}

	base := measurement.NewBase(name, measurement.Hooks{
		ClearImpl: c.clear,
		NextImpl:  c.next,
	})
	base.SetKind("count_between_markers")
	c.Base = base
	if err := base.RegisterChannel(countChannel); err != nil {
		return nil, err
	}
	if err := base.RegisterChannel(markerChannel); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *CountBetweenMarkers) next(tags []tag.Tag, tBegin, tEnd int64) ([]tag.Tag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range tags {
		switch t.Channel {
		case c.markerChannel:
			if c.sawMarker {
				c.appendLocked(c.current)
			}
			c.current = 0
			c.sawMarker = true
		case c.countChannel:
			if c.sawMarker {
				c.current++
			}
		}
	}
	return nil, nil
}

func (c *CountBetweenMarkers) appendLocked(n uint64) {
	c.results = append(c.results, n)
	if c.maxResults > 0 && len(c.results) > c.maxResults {
		c.results = c.results[len(c.results)-c.maxResults:]
	}
}

func (c *CountBetweenMarkers) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sawMarker = false
	c.current = 0
	c.results = nil
}

// Results returns a copy of the counts for every closed marker interval
// observed so far.
func (c *CountBetweenMarkers) Results() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.results...)
}
