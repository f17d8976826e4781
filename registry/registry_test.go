package registry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/pkg/timestamp"
)

func TestRegistry_UpdateCreatesInOrder(t *testing.T) {
	r := New(timestamp.NewManualClock(time.Unix(100, 0)))

	r.Update("b", func(d *Device) { d.State = Streaming })
	r.Update("a", nil)
	r.Update("c", func(d *Device) { d.State = Streaming })

	ids := func(ds []Device) []string {
		var out []string
		for _, d := range ds {
			out = append(out, d.ID)
		}
		return out
	}
	assert.Equal(t, []string{"b", "a", "c"}, ids(r.Devices()))
	assert.Equal(t, []string{"b", "c"}, ids(r.DevicesIn(Streaming)))
	assert.Equal(t, []string{"b", "a", "c"}, r.Order([]string{"c", "a", "b"}))
	assert.Equal(t, []string{"a", "zz"}, r.Order([]string{"zz", "a"}))

	d, ok := r.Device("a")
	require.True(t, ok)
	assert.Equal(t, Disconnected, d.State)
}

func TestRegistry_CopiesAreIsolated(t *testing.T) {
	r := New(nil)
	r.Update("dev", func(d *Device) {
		d.Channels = []Channel{{Name: "gsr", Kind: "gsr", RateHz: 128}}
	})

	d, _ := r.Device("dev")
	d.Channels[0].Name = "mutated"

	again, _ := r.Device("dev")
	assert.Equal(t, "gsr", again.Channels[0].Name)
}

func TestRegistry_SessionPublishesEvent(t *testing.T) {
	r := New(nil)
	events, cancel := r.Subscribe(4)
	defer cancel()

	r.SetSession(Session{ID: "s1", State: SessionActive, Devices: []string{"a"}})

	select {
	case ev := <-events:
		assert.Equal(t, EventSession, ev.Kind)
		assert.Equal(t, "active", ev.State)
		assert.False(t, ev.Time.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no event")
	}

	s, ok := r.Session()
	require.True(t, ok)
	assert.True(t, s.Has("a"))
	assert.True(t, s.State.Running())
}

func TestRegistry_SlowSubscriberDoesNotBlock(t *testing.T) {
	r := New(nil)
	_, cancel := r.Subscribe(1)
	defer cancel()

	for i := 0; i < 10; i++ {
		r.Publish(Event{Kind: EventSync})
	}
	assert.Equal(t, uint64(9), r.DroppedEvents())

	cancel()
	cancel()
}

func TestState_TextRoundTrip(t *testing.T) {
	data, err := json.Marshal(map[string]State{"s": Reconnecting})
	require.NoError(t, err)
	assert.JSONEq(t, `{"s":"reconnecting"}`, string(data))

	var back map[string]State
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, Reconnecting, back["s"])

	assert.Equal(t, "unknown", State(42).String())
	assert.True(t, Degraded.Live())
	assert.False(t, Connected.Live())
}
