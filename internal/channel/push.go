package channel

import (
	"context"
	"sync"

	"github.com/pcpgo/pcpcast/internal/pcp"
)

// PushSource adapts an externally driven feed (an accepted broadcast
// session pumping atoms at us) to the SourceTask shape, so the channel's
// single-source invariant covers it like any other producer.
type PushSource struct {
	status *statusVar

	mu      sync.Mutex
	sink    EventSink
	started bool
	stopped bool
}

func NewPushSource() *PushSource {
	return &PushSource{status: newStatusVar()}
}

func (p *PushSource) Connect(ctx context.Context, sink EventSink) {
	p.mu.Lock()
	if !p.started {
		p.started = true
		p.sink = sink
	}
	p.mu.Unlock()
	p.status.Set(StatusSearching)
}

// Push forwards one event from the owning session's read loop.
func (p *PushSource) Push(ev SourceEvent) {
	p.mu.Lock()
	sink, ok := p.sink, p.started && !p.stopped
	p.mu.Unlock()
	if !ok {
		return
	}
	if ev.Header != nil || ev.Data != nil {
		p.status.Set(StatusReceiving)
	}
	sink(ev)
}

func (p *PushSource) Retry()                     {}
func (p *PushSource) UpdateInfo(pcp.ChannelInfo) {}
func (p *PushSource) UpdateTrack(pcp.TrackInfo)  {}

func (p *PushSource) Status() TaskStatus { return p.status.Get() }

func (p *PushSource) StatusChanged(ctx context.Context) (TaskStatus, error) {
	return p.status.Changed(ctx)
}

func (p *PushSource) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.status.Set(StatusFinish)
}
