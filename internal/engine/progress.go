package engine

import (
	"slices"
	"sync"
)

// ProgressEvent reports a change of a flow's progress path.
// Path lists the current step of every frame from the root flow down.
type ProgressEvent struct {
	FlowID string
	Path   []string
	Done   bool
}

// subscriberBuffer is the channel capacity of a progress subscription.
// A subscriber that falls further behind misses intermediate events.
const subscriberBuffer = 32

// progressTracker records the latest path of every flow and fans changes
// out to subscribers.
type progressTracker struct {
	mu    sync.Mutex
	paths map[string][]string
	done  map[string]bool
	subs  map[string][]chan ProgressEvent
}

func newProgressTracker() *progressTracker {
	return &progressTracker{
		paths: make(map[string][]string),
		done:  make(map[string]bool),
		subs:  make(map[string][]chan ProgressEvent),
	}
}

func (p *progressTracker) publish(flowID string, path []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if slices.Equal(p.paths[flowID], path) {
		return
	}
	p.paths[flowID] = slices.Clone(path)
	ev := ProgressEvent{FlowID: flowID, Path: slices.Clone(path)}
	for _, ch := range p.subs[flowID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// finish marks the flow done and closes its subscriptions.
// The last path stays readable.
func (p *progressTracker) finish(flowID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done[flowID] = true
	ev := ProgressEvent{FlowID: flowID, Path: slices.Clone(p.paths[flowID]), Done: true}
	for _, ch := range p.subs[flowID] {
		select {
		case ch <- ev:
		default:
		}
		close(ch)
	}
	delete(p.subs, flowID)
}

// forget drops everything recorded for a finished flow.
func (p *progressTracker) forget(flowID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.paths, flowID)
	delete(p.done, flowID)
}

func (p *progressTracker) get(flowID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.paths[flowID])
}

func (p *progressTracker) subscribe(flowID string) (<-chan ProgressEvent, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan ProgressEvent, subscriberBuffer)
	if p.done[flowID] {
		ch <- ProgressEvent{FlowID: flowID, Path: slices.Clone(p.paths[flowID]), Done: true}
		close(ch)
		return ch, func() {}
	}
	p.subs[flowID] = append(p.subs[flowID], ch)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			subs := p.subs[flowID]
			if i := slices.Index(subs, ch); i >= 0 {
				p.subs[flowID] = slices.Delete(subs, i, i+1)
				close(ch)
			}
		})
	}
	return ch, cancel
}
