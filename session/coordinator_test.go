package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/protocol"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/registry"
)

type behaviour int

const (
	ackOK behaviour = iota
	ackSilent
	ackReject
)

type sent struct {
	device string
	kind   protocol.Type
}

type fakeCommander struct {
	mu       sync.Mutex
	behave   map[string]behaviour
	commands []sent
}

func (f *fakeCommander) SendCommand(ctx context.Context, id string, cmd protocol.Command) (*protocol.Ack, error) {
	f.mu.Lock()
	f.commands = append(f.commands, sent{device: id, kind: cmd.Kind()})
	b := f.behave[id]
	f.mu.Unlock()

	switch b {
	case ackSilent:
		<-ctx.Done()
		return nil, errors.WrapTransient(errors.ErrConnectionTimeout, "fake", "SendCommand", "await ack")
	case ackReject:
		return &protocol.Ack{Success: false}, errors.WrapInvalid(errors.ErrProtocol, "fake", "SendCommand", "ack")
	}
	return &protocol.Ack{Success: true}, nil
}

func (f *fakeCommander) set(id string, b behaviour) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.behave[id] = b
}

func (f *fakeCommander) count(id string, kind protocol.Type) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.commands {
		if c.device == id && c.kind == kind {
			n++
		}
	}
	return n
}

type fakeLifecycle struct {
	mu      sync.Mutex
	started []registry.Session
	flushed []string
	stopped []registry.Session
	onStart func(registry.Session)
}

func (f *fakeLifecycle) SessionStarted(s registry.Session) {
	f.mu.Lock()
	f.started = append(f.started, s)
	hook := f.onStart
	f.mu.Unlock()
	if hook != nil {
		hook(s)
	}
}

func (f *fakeLifecycle) FlushDevice(_ context.Context, _, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed = append(f.flushed, id)
	return nil
}

func (f *fakeLifecycle) SessionStopped(s registry.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, s)
}

type fixture struct {
	reg  *registry.Registry
	cmd  *fakeCommander
	life *fakeLifecycle
	c    *Coordinator
}

func newFixture(t *testing.T, mutate func(*Config), ids ...string) *fixture {
	t.Helper()
	f := &fixture{
		reg:  registry.New(nil),
		cmd:  &fakeCommander{behave: map[string]behaviour{}},
		life: &fakeLifecycle{},
	}
	for _, id := range ids {
		f.reg.Update(id, func(d *registry.Device) { d.State = registry.Streaming })
	}
	cfg := DefaultConfig()
	cfg.AckTimeout = 50 * time.Millisecond
	cfg.StopTimeout = 50 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	var err error
	f.c, err = New(cfg, f.reg, f.cmd, f.life, nil, nil, nil)
	require.NoError(t, err)
	return f
}

func TestStart_MajorityWithSilentDevice(t *testing.T) {
	f := newFixture(t, nil, "d1", "d2", "d3")
	f.cmd.set("d2", ackSilent)

	s, err := f.c.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, registry.SessionActive, s.State)
	assert.Equal(t, []string{"d1", "d3"}, s.Devices)
	assert.Equal(t, []string{"d2"}, s.Excluded)
	assert.NotEmpty(t, s.ID)

	d2, _ := f.reg.Device("d2")
	assert.Equal(t, registry.Streaming, d2.State, "excluded devices stay connected")
	assert.True(t, f.c.IsRecording("d1"))
	assert.False(t, f.c.IsRecording("d2"))

	current, ok := f.reg.Session()
	require.True(t, ok)
	assert.Equal(t, s.ID, current.ID)
	require.Len(t, f.life.started, 1)
}

func TestStart_RecordingWhileStorageOpens(t *testing.T) {
	f := newFixture(t, nil, "d1", "d2", "d3")
	f.cmd.set("d3", ackSilent)

	var during map[string]bool
	f.life.onStart = func(registry.Session) {
		during = map[string]bool{
			"d1": f.c.IsRecording("d1"),
			"d2": f.c.IsRecording("d2"),
			"d3": f.c.IsRecording("d3"),
		}
	}

	_, err := f.c.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"d1": true, "d2": true, "d3": false}, during)
	assert.True(t, f.c.IsRecording("d1"))
	assert.False(t, f.c.IsRecording("d3"))
}

func TestStart_QuorumNotMet(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Quorum = Quorum{Mode: QuorumAll} }, "d1", "d2", "d3")
	f.cmd.set("d3", ackReject)

	s, err := f.c.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrQuorumNotMet)
	assert.Equal(t, registry.SessionStopped, s.State)
	assert.Contains(t, s.Reason, "2 of 3")
	assert.False(t, s.EndedAt.IsZero())

	// acknowledgers are told to stop again
	assert.Equal(t, 1, f.cmd.count("d1", protocol.TypeStopRecord))
	assert.Equal(t, 1, f.cmd.count("d2", protocol.TypeStopRecord))
	assert.Zero(t, f.cmd.count("d3", protocol.TypeStopRecord))

	_, running := f.c.Current()
	assert.False(t, running)
	require.Len(t, f.life.stopped, 1, "failed start is archived")
	assert.Empty(t, f.life.started)
}

func TestStart_NoCandidates(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.c.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrQuorumNotMet)
}

func TestStart_OnlyOneSession(t *testing.T) {
	f := newFixture(t, nil, "d1")
	_, err := f.c.Start(context.Background())
	require.NoError(t, err)

	_, err = f.c.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrSessionActive)
}

func TestStart_SkipsNonStreamingDevices(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Quorum = Quorum{Mode: QuorumCount, Count: 1} }, "d1")
	f.reg.Update("d2", func(d *registry.Device) { d.State = registry.Reconnecting })

	s, err := f.c.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"d1"}, s.Devices)
	assert.Empty(t, s.Excluded)
	assert.Zero(t, f.cmd.count("d2", protocol.TypeStartRecord))
}

func TestStop_FlushesAndArchives(t *testing.T) {
	f := newFixture(t, nil, "d1", "d2")
	started, err := f.c.Start(context.Background())
	require.NoError(t, err)

	s, err := f.c.Stop(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, registry.SessionStopped, s.State)
	assert.Equal(t, started.ID, s.ID)
	assert.Equal(t, "stopped by operator", s.Reason)
	assert.Equal(t, []string{"d1", "d2"}, f.life.flushed)
	require.Len(t, f.life.stopped, 1)
	assert.Equal(t, s.ID, f.life.stopped[0].ID)
	assert.Equal(t, 1, f.cmd.count("d1", protocol.TypeStopRecord))

	_, err = f.c.Stop(context.Background(), "")
	assert.ErrorIs(t, err, errors.ErrNoSession)
	assert.False(t, f.c.IsRecording("d1"))
}

func TestStop_SilentDeviceStillFlushed(t *testing.T) {
	f := newFixture(t, nil, "d1", "d2")
	_, err := f.c.Start(context.Background())
	require.NoError(t, err)
	f.cmd.set("d2", ackSilent)

	s, err := f.c.Stop(context.Background(), "done")
	require.NoError(t, err)
	assert.Equal(t, "done", s.Reason)
	assert.Equal(t, []string{"d1", "d2"}, f.life.flushed)
}

func TestAdmit(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.AllowLateJoin = true
		c.Quorum = Quorum{Mode: QuorumCount, Count: 1}
	}, "d1", "d2")
	f.cmd.set("d2", ackSilent)
	_, err := f.c.Start(context.Background())
	require.NoError(t, err)

	f.reg.Update("d3", func(d *registry.Device) { d.State = registry.Streaming })
	s, err := f.c.Admit(context.Background(), "d3")
	require.NoError(t, err)
	assert.Equal(t, []string{"d1", "d3"}, s.Devices)

	f.cmd.set("d2", ackOK)
	s, err = f.c.Admit(context.Background(), "d2")
	require.NoError(t, err)
	assert.Equal(t, []string{"d1", "d2", "d3"}, s.Devices, "participants stay in registry order")
	assert.Empty(t, s.Excluded)

	_, err = f.c.Admit(context.Background(), "ghost")
	assert.ErrorIs(t, err, errors.ErrUnknownDevice)

	f.reg.Update("d4", func(d *registry.Device) { d.State = registry.Connected })
	_, err = f.c.Admit(context.Background(), "d4")
	assert.ErrorIs(t, err, errors.ErrLateJoinDenied)
}

func TestAdmit_Denied(t *testing.T) {
	f := newFixture(t, nil, "d1")
	_, err := f.c.Start(context.Background())
	require.NoError(t, err)
	_, err = f.c.Admit(context.Background(), "d1")
	assert.ErrorIs(t, err, errors.ErrLateJoinDenied)

	f = newFixture(t, func(c *Config) { c.AllowLateJoin = true }, "d1")
	_, err = f.c.Admit(context.Background(), "d1")
	assert.ErrorIs(t, err, errors.ErrNoSession)
}

func transition(reg *registry.Registry, id string, from, to registry.State) {
	reg.Update(id, func(d *registry.Device) { d.State = to })
	reg.Publish(registry.Event{Kind: registry.EventDeviceState, DeviceID: id, State: to.String(), Previous: from.String()})
}

func runCoordinator(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	// Run subscribes asynchronously
	time.Sleep(20 * time.Millisecond)
}

func TestRun_FatalLossDegrades(t *testing.T) {
	f := newFixture(t, nil, "d1", "d2", "d3")
	_, err := f.c.Start(context.Background())
	require.NoError(t, err)
	runCoordinator(t, f.c)

	transition(f.reg, "d2", registry.Streaming, registry.Failed)
	require.Eventually(t, func() bool {
		s, _ := f.c.Current()
		return s.State == registry.SessionDegraded
	}, time.Second, 5*time.Millisecond)

	s, _ := f.c.Current()
	assert.Equal(t, []string{"d1", "d3"}, s.Devices)
	assert.Equal(t, []string{"d2"}, s.Lost)
	assert.False(t, f.c.IsRecording("d2"))

	stopped, err := f.c.Stop(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"d2"}, stopped.Lost)
}

func TestRun_QuorumDegradationIsSticky(t *testing.T) {
	f := newFixture(t, nil, "d1", "d2", "d3")
	_, err := f.c.Start(context.Background())
	require.NoError(t, err)
	runCoordinator(t, f.c)

	// majority of 3 needs 2 healthy participants
	transition(f.reg, "d1", registry.Streaming, registry.Reconnecting)
	time.Sleep(30 * time.Millisecond)
	s, _ := f.c.Current()
	assert.Equal(t, registry.SessionActive, s.State)

	transition(f.reg, "d2", registry.Streaming, registry.Reconnecting)
	require.Eventually(t, func() bool {
		s, _ := f.c.Current()
		return s.State == registry.SessionDegraded
	}, time.Second, 5*time.Millisecond)

	// both come back: start_record is re-sent and the session stays degraded
	transition(f.reg, "d1", registry.Connected, registry.Streaming)
	transition(f.reg, "d2", registry.Connected, registry.Streaming)
	require.Eventually(t, func() bool {
		return f.cmd.count("d1", protocol.TypeStartRecord) == 2 && f.cmd.count("d2", protocol.TypeStartRecord) == 2
	}, time.Second, 5*time.Millisecond)
	s, _ = f.c.Current()
	assert.Equal(t, registry.SessionDegraded, s.State)
	assert.Equal(t, []string{"d1", "d2", "d3"}, s.Devices)
	assert.Equal(t, 1, f.cmd.count("d3", protocol.TypeStartRecord), "healthy participants are not restarted")
}

func TestQuorum_Required(t *testing.T) {
	tests := []struct {
		q    Quorum
		n    int
		want int
	}{
		{Quorum{Mode: QuorumAll}, 3, 3},
		{Quorum{Mode: QuorumMajority}, 3, 2},
		{Quorum{Mode: QuorumMajority}, 4, 3},
		{Quorum{Mode: QuorumMajority}, 1, 1},
		{Quorum{Mode: QuorumMajority}, 0, 1},
		{Quorum{Mode: QuorumCount, Count: 2}, 5, 2},
		{Quorum{Mode: QuorumAll}, 0, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.q.Required(tt.n), "%s of %d", tt.q, tt.n)
	}
}

func TestSetQuorum(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.c.SetQuorum(Quorum{Mode: QuorumCount, Count: 2}))
	assert.Equal(t, Quorum{Mode: QuorumCount, Count: 2}, f.c.Quorum())

	assert.ErrorIs(t, f.c.SetQuorum(Quorum{Mode: QuorumCount}), errors.ErrInvalidConfig)
	assert.ErrorIs(t, f.c.SetQuorum(Quorum{Mode: "most"}), errors.ErrInvalidConfig)
}
