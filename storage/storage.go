// Package storage persists recording sessions to disk.
//
// Every session gets its own directory under the data directory:
//
//	<data_dir>/<session_id>/session.json          manifest
//	<data_dir>/<session_id>/<device>__<channel>.csv
//	<data_dir>/<session_id>/sync_events.jsonl     clock sync audit log
//	<data_dir>/<session_id>/files/<device>/<name> transferred files
//
// Sample rows are buffered per stream and written by a background flush loop,
// so the live fusion buffer can drop old samples without losing them here.
package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/metric"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/registry"
)

// ManifestName is the manifest file of a session directory.
const ManifestName = "session.json"

// SyncLogName holds the session's clock sync events, one JSON object per
// line.
const SyncLogName = "sync_events.jsonl"

// Columns is the CSV header of a stream file.
var Columns = []string{"corrected_ns", "raw_ns", "value", "raw_value", "flag", "grade"}

// Config holds storage settings.
type Config struct {
	DataDir       string        `json:"data_dir" yaml:"data_dir"`
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
	// BufferSize is the number of rows a stream buffers before it is flushed
	// without waiting for the interval.
	BufferSize   int   `json:"buffer_size" yaml:"buffer_size"`
	MaxFileBytes int64 `json:"max_file_bytes" yaml:"max_file_bytes"`
}

// DefaultConfig returns default storage settings.
func DefaultConfig() Config {
	return Config{
		DataDir:       "./data",
		FlushInterval: time.Second,
		BufferSize:    512,
		MaxFileBytes:  1 << 30,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.DataDir == "":
		return invalid("data_dir is required")
	case c.FlushInterval <= 0:
		return invalid("flush_interval must be positive")
	case c.BufferSize < 1:
		return invalid("buffer_size must be at least 1")
	case c.MaxFileBytes < 1:
		return invalid("max_file_bytes must be positive")
	}
	return nil
}

func invalid(msg string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg), "storage", "Validate", "check config")
}

// StreamStat describes one stream file of a session.
type StreamStat struct {
	DeviceID string `json:"device_id"`
	Channel  string `json:"channel"`
	File     string `json:"file"`
	Rows     uint64 `json:"rows"`
	FirstNs  int64  `json:"first_ns,omitempty"`
	LastNs   int64  `json:"last_ns,omitempty"`
}

// FileRecord describes a verified file transfer.
type FileRecord struct {
	DeviceID   string    `json:"device_id"`
	TransferID string    `json:"transfer_id"`
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	SHA256     string    `json:"sha256"`
	ReceivedAt time.Time `json:"received_at"`
}

// Manifest is the session.json document.
type Manifest struct {
	Session registry.Session  `json:"session"`
	Devices []registry.Device `json:"devices,omitempty"`
	Columns []string          `json:"columns"`
	Streams []StreamStat      `json:"streams,omitempty"`
	Files   []FileRecord      `json:"files,omitempty"`
	// SyncEvents counts the lines of the sync log.
	SyncEvents int       `json:"sync_events,omitempty"`
	Updated    time.Time `json:"updated"`
}

// Store owns the data directory.
type Store struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metric.Metrics

	mu   sync.Mutex
	open map[string]*SessionWriter
}

// NewStore creates the data directory if needed.
func NewStore(cfg Config, logger *slog.Logger, metrics *metric.Metrics) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err),
			"Store", "NewStore", "create data directory")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cfg:     cfg,
		logger:  logger.With("component", "storage"),
		metrics: metrics,
		open:    make(map[string]*SessionWriter),
	}, nil
}

// Config returns the store configuration.
func (s *Store) Config() Config { return s.cfg }

// Dir returns the directory of a session.
func (s *Store) Dir(sessionID string) string {
	return filepath.Join(s.cfg.DataDir, safeName(sessionID))
}

// Open creates the session directory, writes the initial manifest and starts
// the session's flush loop.
func (s *Store) Open(sess registry.Session, devices []registry.Device) (*SessionWriter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.open[sess.ID]; ok {
		return w, nil
	}

	dir := s.Dir(sess.ID)
	if err := os.MkdirAll(filepath.Join(dir, "files"), 0o755); err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err),
			"Store", "Open", "create session directory")
	}
	w := newSessionWriter(s, dir, sess, devices)
	if err := w.writeManifest(); err != nil {
		return nil, err
	}
	s.open[sess.ID] = w
	w.start()
	s.logger.Info("Session storage opened", "session_id", sess.ID, "dir", dir)
	return w, nil
}

// Writer returns the open writer of a session.
func (s *Store) Writer(sessionID string) (*SessionWriter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.open[sessionID]
	return w, ok
}

func (s *Store) release(sessionID string) {
	s.mu.Lock()
	delete(s.open, sessionID)
	s.mu.Unlock()
}

// Close closes every open session writer.
func (s *Store) Close() error {
	s.mu.Lock()
	writers := make([]*SessionWriter, 0, len(s.open))
	for _, w := range s.open {
		writers = append(writers, w)
	}
	s.mu.Unlock()

	var first error
	for _, w := range writers {
		if err := w.Close(nil); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Sessions lists the session ids that have a manifest, sorted.
func (s *Store) Sessions() ([]string, error) {
	entries, err := os.ReadDir(s.cfg.DataDir)
	if err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err),
			"Store", "Sessions", "read data directory")
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.cfg.DataDir, e.Name(), ManifestName)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Manifest reads the manifest of a session.
func (s *Store) Manifest(sessionID string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(filepath.Join(s.Dir(sessionID), ManifestName))
	if err != nil {
		return m, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrNoSession, err), "Store", "Manifest", "read manifest")
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidData, err), "Store", "Manifest", "decode manifest")
	}
	return m, nil
}

// StreamFile returns the file name of a device channel stream.
func StreamFile(deviceID, channel string) string {
	return safeName(deviceID) + "__" + safeName(channel) + ".csv"
}

// safeName keeps a name usable as a single path element.
func safeName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "_"
	}
	return name
}

// writeFileAtomic writes data to a temporary file and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
