package storage

import (
	"bufio"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/clocksync"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/fusion"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/protocol"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/registry"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/signalproc"
)

func newStore(t *testing.T, mutate func(*Config)) *Store {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.FlushInterval = time.Hour
	cfg.BufferSize = 4
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewStore(cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sample(device, channel string, t int64, v float64, flag fusion.Flag) fusion.Sample {
	return fusion.Sample{
		DeviceID: device, Channel: channel,
		RawTime: t - 50, Time: t,
		Value: v, RawValue: v * 2,
		Flag: flag, Grade: signalproc.GradeGood,
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestSessionWriter_WritesStreamsAndManifest(t *testing.T) {
	s := newStore(t, nil)
	sess := registry.Session{ID: "s1", State: registry.SessionActive, Devices: []string{"d1"}}
	w, err := s.Open(sess, []registry.Device{{ID: "d1"}})
	require.NoError(t, err)

	m, err := s.Manifest("s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", m.Session.ID)
	assert.Equal(t, Columns, m.Columns)

	require.NoError(t, w.Append(
		sample("d1", "gsr", 1000, 1.5, fusion.FlagOK),
		sample("d1", "gsr", 2000, 2.5, fusion.FlagArtifact),
		sample("d1", "ppg", 1500, 7, fusion.FlagUnsynchronized),
	))
	require.NoError(t, w.FlushDevice("d1"))

	rows := readCSV(t, filepath.Join(w.Dir(), "d1__gsr.csv"))
	require.Len(t, rows, 3)
	assert.Equal(t, Columns, rows[0])
	assert.Equal(t, []string{"1000", "950", "1.5", "3", "ok", "good"}, rows[1])
	assert.Equal(t, "artifact", rows[2][4])

	final := sess
	final.State = registry.SessionStopped
	require.NoError(t, w.Close(&final))

	m, err = s.Manifest("s1")
	require.NoError(t, err)
	assert.Equal(t, registry.SessionStopped, m.Session.State)
	require.Len(t, m.Streams, 2)
	assert.Equal(t, StreamStat{DeviceID: "d1", Channel: "gsr", File: "d1__gsr.csv", Rows: 2, FirstNs: 1000, LastNs: 2000}, m.Streams[0])
	assert.Equal(t, uint64(1), m.Streams[1].Rows)

	_, open := s.Writer("s1")
	assert.False(t, open)
	assert.ErrorIs(t, w.Append(sample("d1", "gsr", 3000, 1, fusion.FlagOK)), errors.ErrAlreadyStopped)

	ids, err := s.Sessions()
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, ids)
}

func TestSessionWriter_SyncLog(t *testing.T) {
	s := newStore(t, nil)
	w, err := s.Open(registry.Session{ID: "s1", State: registry.SessionActive, Devices: []string{"d1"}}, nil)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		require.NoError(t, w.AppendSyncEvent(clocksync.Event{
			DeviceID: "d1",
			Offset:   time.Duration(i) * time.Millisecond,
			Accepted: i != 2,
		}))
	}
	require.NoError(t, w.Close(nil))
	assert.ErrorIs(t, w.AppendSyncEvent(clocksync.Event{DeviceID: "d1"}), errors.ErrAlreadyStopped)

	f, err := os.Open(filepath.Join(w.Dir(), SyncLogName))
	require.NoError(t, err)
	defer f.Close()
	var events []clocksync.Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev clocksync.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, events, 3)
	assert.Equal(t, 2*time.Millisecond, events[1].Offset)
	assert.False(t, events[1].Accepted)

	m, err := s.Manifest("s1")
	require.NoError(t, err)
	assert.Equal(t, 3, m.SyncEvents)
}

func TestSessionWriter_FlushesWhenBufferFull(t *testing.T) {
	s := newStore(t, nil)
	w, err := s.Open(registry.Session{ID: "s1"}, nil)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, w.Append(sample("d1", "gsr", int64(i+1), float64(i), fusion.FlagOK)))
	}
	rows := readCSV(t, filepath.Join(w.Dir(), "d1__gsr.csv"))
	assert.Len(t, rows, 5, "header plus four rows written without an explicit flush")
}

func TestSessionWriter_PeriodicFlush(t *testing.T) {
	s := newStore(t, func(c *Config) { c.FlushInterval = 10 * time.Millisecond; c.BufferSize = 1000 })
	w, err := s.Open(registry.Session{ID: "s1"}, nil)
	require.NoError(t, err)
	require.NoError(t, w.Append(sample("d1", "gsr", 1, 1, fusion.FlagOK)))

	require.Eventually(t, func() bool {
		f, err := os.Open(filepath.Join(w.Dir(), "d1__gsr.csv"))
		if err != nil {
			return false
		}
		defer f.Close()
		rows, err := csv.NewReader(f).ReadAll()
		return err == nil && len(rows) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestStore_OpenIsIdempotent(t *testing.T) {
	s := newStore(t, nil)
	a, err := s.Open(registry.Session{ID: "s1"}, nil)
	require.NoError(t, err)
	b, err := s.Open(registry.Session{ID: "s1"}, nil)
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestStreamFile_SafeNames(t *testing.T) {
	assert.Equal(t, "d1__gsr.csv", StreamFile("d1", "gsr"))
	assert.Equal(t, "a_b__c_d.csv", StreamFile("a/b", "c:d"))
	assert.Equal(t, "___x.csv", StreamFile("..", "x"))
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	cfg := DefaultConfig()
	cfg.DataDir = ""
	assert.ErrorIs(t, cfg.Validate(), errors.ErrInvalidConfig)
	cfg = DefaultConfig()
	cfg.BufferSize = 0
	assert.ErrorIs(t, cfg.Validate(), errors.ErrInvalidConfig)
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestFileReceiver_VerifiedTransfer(t *testing.T) {
	dir := t.TempDir()
	r := NewFileReceiver(1<<20, func(string) string { return dir }, nil, nil)
	payload := []byte("hello, recording")

	_, err := r.Handle("d1", &protocol.FileInfo{TransferID: "t1", Name: "clip.mp4", Size: int64(len(payload)), SHA256: digest(payload)})
	require.NoError(t, err)
	_, err = r.Handle("d1", &protocol.FileChunk{TransferID: "t1", Seq: 0, Data: payload[:5]})
	require.NoError(t, err)
	_, err = r.Handle("d1", &protocol.FileChunk{TransferID: "t1", Seq: 1, Data: payload[5:]})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Pending())

	rec, err := r.Handle("d1", &protocol.FileEnd{TransferID: "t1"})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, filepath.Join(dir, "d1", "clip.mp4"), rec.Path)
	assert.Equal(t, int64(len(payload)), rec.Size)

	data, err := os.ReadFile(rec.Path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.NoFileExists(t, rec.Path+".part")
	assert.Zero(t, r.Pending())
}

func TestFileReceiver_ChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	r := NewFileReceiver(1<<20, func(string) string { return dir }, nil, nil)
	payload := []byte("abc")

	_, err := r.Handle("d1", &protocol.FileInfo{TransferID: "t1", Name: "a.bin", Size: 3, SHA256: digest([]byte("xyz"))})
	require.NoError(t, err)
	_, err = r.Handle("d1", &protocol.FileChunk{TransferID: "t1", Data: payload})
	require.NoError(t, err)

	_, err = r.Handle("d1", &protocol.FileEnd{TransferID: "t1"})
	assert.ErrorIs(t, err, errors.ErrChecksumFailed)
	assert.NoFileExists(t, filepath.Join(dir, "d1", "a.bin"))
	assert.NoFileExists(t, filepath.Join(dir, "d1", "a.bin.part"))
}

func TestFileReceiver_Rejections(t *testing.T) {
	dir := t.TempDir()
	r := NewFileReceiver(10, func(string) string { return dir }, nil, nil)
	sum := digest([]byte("x"))

	_, err := r.Handle("d1", &protocol.FileInfo{TransferID: "t", Name: "../..", Size: 1, SHA256: sum})
	assert.ErrorIs(t, err, errors.ErrInvalidData)
	_, err = r.Handle("d1", &protocol.FileInfo{TransferID: "t", Name: "big", Size: 11, SHA256: sum})
	assert.ErrorIs(t, err, errors.ErrInvalidData)
	_, err = r.Handle("d1", &protocol.FileInfo{TransferID: "t", Name: "f", Size: 1, SHA256: "zz"})
	assert.ErrorIs(t, err, errors.ErrInvalidData)
	_, err = r.Handle("d1", &protocol.FileChunk{TransferID: "nope"})
	assert.ErrorIs(t, err, errors.ErrInvalidData)

	// out of order chunk aborts the transfer
	_, err = r.Handle("d1", &protocol.FileInfo{TransferID: "t", Name: "f", Size: 2, SHA256: sum})
	require.NoError(t, err)
	_, err = r.Handle("d1", &protocol.FileChunk{TransferID: "t", Seq: 1, Data: []byte("x")})
	assert.ErrorIs(t, err, errors.ErrInvalidData)
	assert.Zero(t, r.Pending())

	// name traversal is flattened to the base name
	_, err = r.Handle("d2", &protocol.FileInfo{TransferID: "t", Name: "../../etc/passwd", Size: 1, SHA256: sum})
	require.NoError(t, err)
	r.AbortDevice("d2")
	assert.Zero(t, r.Pending())
	assert.NoFileExists(t, filepath.Join(dir, "d2", "passwd.part"))
}
