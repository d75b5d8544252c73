package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishFiltersByType(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	runs, unsubRuns := b.Subscribe(4, TypeRunStarted, TypeRunFinished)
	defer unsubRuns()

	b.Publish(Event{Type: TypeTask, Data: "x"})
	b.Publish(Event{Type: TypeRunFinished, Data: RunInfo{RunID: "r"}})

	require.Equal(t, TypeTask, (<-all).Type)
	ev := <-all
	require.Equal(t, TypeRunFinished, ev.Type)
	require.False(t, ev.Time.IsZero())

	ev = <-runs
	require.Equal(t, "r", ev.Data.(RunInfo).RunID)
	require.Len(t, runs, 0)
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: TypeTask})
	b.Publish(Event{Type: TypeTask})
	require.Equal(t, uint64(1), b.Dropped())
	require.Len(t, ch, 1)

	unsub()
	unsub()
	b.Publish(Event{Type: TypeTask})
	_, ok := <-ch
	require.True(t, ok)
	_, ok = <-ch
	require.False(t, ok)
}
