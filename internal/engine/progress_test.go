package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgress_PublishSkipsUnchangedPaths(t *testing.T) {
	p := newProgressTracker()
	events, cancel := p.subscribe("f1")
	defer cancel()

	p.publish("f1", []string{"A"})
	p.publish("f1", []string{"A"})
	p.publish("f1", []string{"A", "B"})

	require.Len(t, events, 2)
	assert.Equal(t, []string{"A"}, (<-events).Path)
	assert.Equal(t, []string{"A", "B"}, (<-events).Path)
}

func TestProgress_FinishClosesSubscriptions(t *testing.T) {
	p := newProgressTracker()
	events, _ := p.subscribe("f1")

	p.publish("f1", []string{"Done"})
	p.finish("f1")

	var got []ProgressEvent
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.True(t, got[1].Done)
	assert.Equal(t, []string{"Done"}, p.get("f1"))
}

func TestProgress_SubscribeAfterFinish(t *testing.T) {
	p := newProgressTracker()
	p.publish("f1", []string{"Done"})
	p.finish("f1")

	events, cancel := p.subscribe("f1")
	defer cancel()

	ev, ok := <-events
	require.True(t, ok)
	assert.True(t, ev.Done)
	_, ok = <-events
	assert.False(t, ok)
}

func TestProgress_CancelIsIdempotent(t *testing.T) {
	p := newProgressTracker()
	events, cancel := p.subscribe("f1")
	cancel()
	cancel()

	_, ok := <-events
	assert.False(t, ok)

	// Publishing after cancel must not panic on the closed channel.
	p.publish("f1", []string{"A"})
	p.finish("f1")
}
