package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opensourceagent/osa/pkg/models"
)

func TestPublishRejectsUnknownTag(t *testing.T) {
	bus := New(4)
	err := bus.Publish(models.Event{Tag: "not_a_real_tag"})
	require.Error(t, err)
}

func TestPublishDeliversFIFO(t *testing.T) {
	bus := New(4)
	_, ch := bus.Subscribe("")

	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Publish(models.Event{Tag: models.EventSystem, Time: time.Now()}))
	}

	for i := 0; i < 3; i++ {
		select {
		case <-ch:
		default:
			t.Fatalf("expected event %d", i)
		}
	}
}

func TestPublishSessionFilter(t *testing.T) {
	bus := New(4)
	_, ch := bus.Subscribe("s1")

	require.NoError(t, bus.Publish(models.Event{Tag: models.EventSystem, SessionID: "s2"}))
	require.NoError(t, bus.Publish(models.Event{Tag: models.EventSystem, SessionID: "s1"}))

	select {
	case evt := <-ch:
		require.Equal(t, "s1", evt.SessionID)
	default:
		t.Fatal("expected one matching event")
	}

	select {
	case evt := <-ch:
		t.Fatalf("unexpected extra event: %+v", evt)
	default:
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	bus := New(2)
	var dropped uint64
	bus.OnDropped(func(h Handle, n uint64) { dropped = n })
	h, ch := bus.Subscribe("")

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(models.Event{Tag: models.EventSystem}))
	}

	require.Greater(t, dropped, uint64(0))
	require.Equal(t, dropped, bus.Dropped(h))

	count := 0
	for {
		select {
		case <-ch:
			count++
			continue
		default:
		}
		break
	}
	require.LessOrEqual(t, count, 2)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New(4)
	h, ch := bus.Subscribe("")
	bus.Unsubscribe(h)

	_, ok := <-ch
	require.False(t, ok)
}
