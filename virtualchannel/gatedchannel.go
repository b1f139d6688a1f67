package virtualchannel

import (
	"fmt"
	"sync"

	"github.com/tagtrace/tagstream/errors"
	"github.com/tagtrace/tagstream/measurement"
	"github.com/tagtrace/tagstream/tag"
)

// GatedChannel passes through a data channel's events only while a gate is
// open, e.g. masking a detector channel to a camera exposure window. The
// gate opens on gateOpen events and closes on gateClose events.
type GatedChannel struct {
	*measurement.Base

	data       int32
	gateOpen   int32
	gateClose  int32
	output     int32

	mu   sync.Mutex
	open bool
}

// NewGatedChannel constructs a GatedChannel forwarding data while gated
// between gateOpen and gateClose events.
func NewGatedChannel(name string, data, gateOpen, gateClose int32) (*GatedChannel, error) {
	if data == gateOpen || data == gateClose || gateOpen == gateClose {
		return nil, errors.WrapConfig(fmt.Errorf("data, gate_open, and gate_close channels must all differ"), "virtualchannel", "NewGatedChannel", "channels")
	}

	g := &GatedChannel{data: data, gateOpen: gateOpen, gateClose: gateClose}
	base := measurement.NewBase(name, measurement.Hooks{
		ClearImpl: g.clear,
		NextImpl:  g.next,
	})
	base.SetKind("gated_channel")
	g.Base = base
	for _, ch := range []int32{data, gateOpen, gateClose} {
		if err := base.RegisterChannel(ch); err != nil {
			return nil, err
		}
	}
	g.output = base.AllocateVirtualChannel()
	return g, nil
}

// Output returns the allocated virtual channel id.
func (g *GatedChannel) Output() int32 {
	return g.output
}

func (g *GatedChannel) next(tags []tag.Tag, tBegin, tEnd int64) ([]tag.Tag, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var produced []tag.Tag
	for _, t := range tags {
		switch t.Channel {
		case g.gateOpen:
			g.open = true
		case g.gateClose:
			g.open = false
		case g.data:
			if g.open {
				produced = append(produced, tag.Tag{Type: t.Type, Channel: g.output, TimePs: t.TimePs, MissedEvents: t.MissedEvents})
			}
		}
	}
	return produced, nil
}

func (g *GatedChannel) clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.open = false
}
