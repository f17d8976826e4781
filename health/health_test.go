package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate(t *testing.T) {
	tests := []struct {
		name     string
		subs     []Status
		expected string
	}{
		{"empty", nil, StatusHealthy},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, StatusHealthy},
		{"one degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, StatusDegraded},
		{"unhealthy wins", []Status{NewDegraded("a", ""), NewUnhealthy("b", "")}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := Aggregate("system", tt.subs)
			assert.Equal(t, tt.expected, agg.Status)
			assert.Len(t, agg.SubStatuses, len(tt.subs))
			assert.Equal(t, "system", agg.Component)
		})
	}
}

func TestFromError_Sanitizes(t *testing.T) {
	st := FromError("relay", errors.New("dial nats://10.0.0.5:4222 failed: token=abc123"))
	assert.True(t, st.IsUnhealthy())
	assert.NotContains(t, st.Message, "10.0.0.5")
	assert.NotContains(t, st.Message, "abc123")

	assert.True(t, FromError("relay", nil).IsHealthy())
}

func TestWithSubStatus_DoesNotShareSlice(t *testing.T) {
	base := NewHealthy("root", "")
	a := base.WithSubStatus(NewHealthy("a", ""))
	b := base.WithSubStatus(NewDegraded("b", ""))

	require.Len(t, a.SubStatuses, 1)
	require.Len(t, b.SubStatuses, 1)
	assert.Equal(t, "a", a.SubStatuses[0].Component)
	assert.Equal(t, "b", b.SubStatuses[0].Component)
}

func TestMonitor_UpdateAndAggregate(t *testing.T) {
	m := NewMonitor()
	m.Update("transport", NewHealthy("", "listening"))
	m.Update("quality", NewDegraded("", "device dev-2 below low water"))

	st, ok := m.Get("quality")
	require.True(t, ok)
	assert.True(t, st.IsDegraded())

	agg := m.AggregateHealth("sensorsync")
	assert.True(t, agg.IsDegraded())
	assert.Equal(t, []string{"quality", "transport"}, m.ListComponents())
	assert.Equal(t, "quality", agg.SubStatuses[0].Component)
	assert.Equal(t, "degraded: quality", agg.Message)

	m.Remove("quality")
	assert.True(t, m.AggregateHealth("sensorsync").IsHealthy())
}

func TestMonitor_Check(t *testing.T) {
	m := NewMonitor()
	failing := true
	m.Register("archive", func(context.Context) Status {
		if failing {
			return FromError("archive", errors.New("database is locked"))
		}
		return NewHealthy("archive", "ok")
	})

	m.Check(context.Background())
	st, ok := m.Get("archive")
	require.True(t, ok)
	assert.True(t, st.IsUnhealthy())

	failing = false
	m.Check(context.Background())
	st, _ = m.Get("archive")
	assert.True(t, st.IsHealthy())
}

func TestMonitor_CheckTimeoutAndPanic(t *testing.T) {
	m := NewMonitor()
	m.SetCheckTimeout(20 * time.Millisecond)
	m.Register("slow", func(ctx context.Context) Status {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return NewHealthy("slow", "late")
	})
	m.Register("broken", func(context.Context) Status {
		panic("nil archive")
	})
	m.Register("fine", func(context.Context) Status {
		return NewHealthy("fine", "ok")
	})

	m.Check(context.Background())

	slow, _ := m.Get("slow")
	assert.True(t, slow.IsUnhealthy())
	assert.Contains(t, slow.Message, "did not answer")

	broken, _ := m.Get("broken")
	assert.True(t, broken.IsUnhealthy())
	assert.Contains(t, broken.Message, "nil archive")

	fine, _ := m.Get("fine")
	assert.True(t, fine.IsHealthy())

	agg := m.AggregateHealth("controller")
	assert.Equal(t, "unhealthy: broken, slow", agg.Message)
}
