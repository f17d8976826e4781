package storage

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/clocksync"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/fusion"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/registry"
)

type streamFile struct {
	file    *os.File
	csv     *csv.Writer
	pending []fusion.Sample
	stat    StreamStat
}

// SessionWriter appends the samples of one session to its stream files.
type SessionWriter struct {
	store *Store
	dir   string

	mu       sync.Mutex
	session  registry.Session
	devices  []registry.Device
	streams  map[fusion.Key]*streamFile
	files    []FileRecord
	closed   bool
	errCount int

	syncLog    *os.File
	syncEnc    *json.Encoder
	syncEvents int

	shutdown chan struct{}
	done     chan struct{}
}

func newSessionWriter(s *Store, dir string, sess registry.Session, devices []registry.Device) *SessionWriter {
	return &SessionWriter{
		store:    s,
		dir:      dir,
		session:  sess.Clone(),
		devices:  devices,
		streams:  make(map[fusion.Key]*streamFile),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Dir returns the session directory.
func (w *SessionWriter) Dir() string { return w.dir }

// SessionID returns the id of the session being written.
func (w *SessionWriter) SessionID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.session.ID
}

func (w *SessionWriter) start() {
	go w.flushLoop()
}

func (w *SessionWriter) flushLoop() {
	defer close(w.done)
	ticker := time.NewTicker(w.store.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.shutdown:
			return
		case <-ticker.C:
			if err := w.Flush(); err != nil {
				w.store.logger.Error("Periodic flush failed", "session_id", w.SessionID(), "error", err)
			}
		}
	}
}

// Append buffers samples for writing. Streams over the buffer size are
// written immediately.
func (w *SessionWriter) Append(samples ...fusion.Sample) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "SessionWriter", "Append", "check writer state")
	}

	var full []*streamFile
	for _, s := range samples {
		k := fusion.KeyOf(s)
		sf, err := w.stream(k)
		if err != nil {
			return err
		}
		sf.pending = append(sf.pending, s)
		if len(sf.pending) == w.store.cfg.BufferSize {
			full = append(full, sf)
		}
	}
	for _, sf := range full {
		if err := w.flushStream(sf, false); err != nil {
			return err
		}
	}
	return nil
}

// stream returns the file of k, creating it with its header. Callers hold
// w.mu.
func (w *SessionWriter) stream(k fusion.Key) (*streamFile, error) {
	if sf, ok := w.streams[k]; ok {
		return sf, nil
	}
	name := StreamFile(k.DeviceID, k.Channel)
	f, err := os.OpenFile(filepath.Join(w.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err),
			"SessionWriter", "stream", "open stream file")
	}
	sf := &streamFile{
		file: f,
		csv:  csv.NewWriter(f),
		stat: StreamStat{DeviceID: k.DeviceID, Channel: k.Channel, File: name},
	}
	if info, err := f.Stat(); err == nil && info.Size() == 0 {
		if err := sf.csv.Write(Columns); err != nil {
			_ = f.Close()
			return nil, errors.WrapTransient(err, "SessionWriter", "stream", "write header")
		}
	}
	w.streams[k] = sf
	return sf, nil
}

// flushStream writes the pending rows of sf. Callers hold w.mu.
func (w *SessionWriter) flushStream(sf *streamFile, durable bool) error {
	if len(sf.pending) > 0 {
		row := make([]string, len(Columns))
		for _, s := range sf.pending {
			row[0] = strconv.FormatInt(s.Time, 10)
			row[1] = strconv.FormatInt(s.RawTime, 10)
			row[2] = strconv.FormatFloat(s.Value, 'g', -1, 64)
			row[3] = strconv.FormatFloat(s.RawValue, 'g', -1, 64)
			row[4] = string(s.Flag)
			row[5] = s.Grade.String()
			if err := sf.csv.Write(row); err != nil {
				return w.writeFailed(err)
			}
			if sf.stat.Rows == 0 {
				sf.stat.FirstNs = s.Time
			}
			sf.stat.LastNs = s.Time
			sf.stat.Rows++
		}
		sf.pending = sf.pending[:0]
	}
	sf.csv.Flush()
	if err := sf.csv.Error(); err != nil {
		return w.writeFailed(err)
	}
	if durable {
		if err := sf.file.Sync(); err != nil {
			return w.writeFailed(err)
		}
	}
	return nil
}

func (w *SessionWriter) writeFailed(err error) error {
	w.errCount++
	werr := errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err), "SessionWriter", "flush", "write rows")
	w.store.metrics.RecordError("storage", errors.Kind(werr))
	return werr
}

// Flush writes every pending row.
func (w *SessionWriter) Flush() error {
	start := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	var first error
	for _, sf := range w.streams {
		if err := w.flushStream(sf, false); err != nil && first == nil {
			first = err
		}
	}
	w.store.metrics.RecordProcessingDuration("storage_flush", time.Since(start))
	return first
}

// FlushDevice writes and syncs the pending rows of one device.
func (w *SessionWriter) FlushDevice(deviceID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var first error
	for k, sf := range w.streams {
		if k.DeviceID != deviceID {
			continue
		}
		if err := w.flushStream(sf, true); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// AppendSyncEvent adds a clock sync event to the session's sync log.
func (w *SessionWriter) AppendSyncEvent(ev clocksync.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "SessionWriter", "AppendSyncEvent", "check writer state")
	}
	if w.syncLog == nil {
		f, err := os.OpenFile(filepath.Join(w.dir, SyncLogName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err),
				"SessionWriter", "AppendSyncEvent", "open sync log")
		}
		w.syncLog, w.syncEnc = f, json.NewEncoder(f)
	}
	if err := w.syncEnc.Encode(ev); err != nil {
		return w.writeFailed(err)
	}
	w.syncEvents++
	return nil
}

// AddFile records a completed file transfer in the manifest.
func (w *SessionWriter) AddFile(rec FileRecord) error {
	w.mu.Lock()
	w.files = append(w.files, rec)
	w.mu.Unlock()
	return w.writeManifest()
}

// Stats returns the stream statistics sorted by file name.
func (w *SessionWriter) Stats() []StreamStat {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.statsLocked()
}

func (w *SessionWriter) statsLocked() []StreamStat {
	out := make([]StreamStat, 0, len(w.streams))
	for _, sf := range w.streams {
		out = append(out, sf.stat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].File < out[j].File })
	return out
}

// Close flushes and closes every stream file and rewrites the manifest. A
// non-nil final replaces the session record stored in the manifest.
func (w *SessionWriter) Close(final *registry.Session) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.shutdown)
	<-w.done

	w.mu.Lock()
	if final != nil {
		w.session = final.Clone()
	}
	var first error
	for _, sf := range w.streams {
		if err := w.flushStream(sf, true); err != nil && first == nil {
			first = err
		}
		if err := sf.file.Close(); err != nil && first == nil {
			first = errors.WrapTransient(err, "SessionWriter", "Close", "close stream file")
		}
	}
	if w.syncLog != nil {
		if err := w.syncLog.Close(); err != nil && first == nil {
			first = errors.WrapTransient(err, "SessionWriter", "Close", "close sync log")
		}
	}
	w.mu.Unlock()

	if err := w.writeManifest(); err != nil && first == nil {
		first = err
	}
	w.store.release(w.SessionID())
	w.store.logger.Info("Session storage closed", "session_id", w.SessionID(), "streams", len(w.streams))
	return first
}

func (w *SessionWriter) writeManifest() error {
	w.mu.Lock()
	m := Manifest{
		Session: w.session.Clone(),
		Devices: w.devices,
		Columns: Columns,
		Streams: w.statsLocked(),
		Files:   append([]FileRecord(nil), w.files...),
		Updated: time.Now().UTC(),

		SyncEvents: w.syncEvents,
	}
	w.mu.Unlock()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.WrapFatal(err, "SessionWriter", "writeManifest", "encode manifest")
	}
	if err := writeFileAtomic(filepath.Join(w.dir, ManifestName), data); err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err),
			"SessionWriter", "writeManifest", "write manifest")
	}
	return nil
}
