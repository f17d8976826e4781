package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/metric"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/protocol"
)

type transfer struct {
	info    *protocol.FileInfo
	device  string
	part    string
	final   string
	file    *os.File
	hash    hash.Hash
	written int64
	nextSeq int64
	started time.Time
}

// FileReceiver reassembles bulk file transfers. Chunks are written to a
// .part file that is renamed into place once size and SHA-256 match.
type FileReceiver struct {
	maxSize int64
	dirFor  func(deviceID string) string
	logger  *slog.Logger
	metrics *metric.Metrics

	mu        sync.Mutex
	transfers map[string]*transfer
}

// NewFileReceiver creates a receiver. dirFor returns the directory a
// device's files are written to.
func NewFileReceiver(maxSize int64, dirFor func(deviceID string) string, logger *slog.Logger, metrics *metric.Metrics) *FileReceiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileReceiver{
		maxSize:   maxSize,
		dirFor:    dirFor,
		logger:    logger.With("component", "file-receiver"),
		metrics:   metrics,
		transfers: make(map[string]*transfer),
	}
}

func transferKey(deviceID, transferID string) string { return deviceID + "/" + transferID }

// Handle processes one file message. It returns a record when a transfer
// completes and verifies.
func (r *FileReceiver) Handle(deviceID string, msg protocol.Message) (*FileRecord, error) {
	switch m := msg.(type) {
	case *protocol.FileInfo:
		return nil, r.begin(deviceID, m)
	case *protocol.FileChunk:
		return nil, r.chunk(deviceID, m)
	case *protocol.FileEnd:
		return r.finish(deviceID, m)
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s is not a file message", errors.ErrProtocol, msg.Kind()),
			"FileReceiver", "Handle", "route message")
	}
}

func (r *FileReceiver) begin(deviceID string, info *protocol.FileInfo) error {
	name := filepath.Base(filepath.Clean("/" + info.Name))
	if name == "/" || name == "." || strings.HasSuffix(name, ".part") {
		return r.invalid("begin", fmt.Sprintf("invalid file name %q", info.Name))
	}
	if info.Size < 0 || info.Size > r.maxSize {
		return r.invalid("begin", fmt.Sprintf("file size %d outside [0, %d]", info.Size, r.maxSize))
	}
	if _, err := hex.DecodeString(info.SHA256); err != nil || len(info.SHA256) != sha256.Size*2 {
		return r.invalid("begin", fmt.Sprintf("invalid sha256 %q", info.SHA256))
	}

	dir := filepath.Join(r.dirFor(deviceID), safeName(deviceID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err),
			"FileReceiver", "begin", "create directory")
	}
	final := filepath.Join(dir, name)
	part := final + ".part"
	f, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err),
			"FileReceiver", "begin", "open part file")
	}

	key := transferKey(deviceID, info.TransferID)
	r.mu.Lock()
	if old, ok := r.transfers[key]; ok {
		r.discard(old)
	}
	r.transfers[key] = &transfer{
		info:    info,
		device:  deviceID,
		part:    part,
		final:   final,
		file:    f,
		hash:    sha256.New(),
		started: time.Now(),
	}
	r.mu.Unlock()
	r.logger.Info("File transfer started", "device_id", deviceID, "transfer_id", info.TransferID,
		"name", name, "size", info.Size)
	return nil
}

func (r *FileReceiver) chunk(deviceID string, c *protocol.FileChunk) error {
	key := transferKey(deviceID, c.TransferID)
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transfers[key]
	if !ok {
		return r.invalid("chunk", fmt.Sprintf("unknown transfer %q", c.TransferID))
	}
	if c.Seq != t.nextSeq {
		r.abort(key, t)
		return r.invalid("chunk", fmt.Sprintf("transfer %q chunk %d out of order, want %d", c.TransferID, c.Seq, t.nextSeq))
	}
	if t.written+int64(len(c.Data)) > t.info.Size {
		r.abort(key, t)
		return r.invalid("chunk", fmt.Sprintf("transfer %q exceeds announced size %d", c.TransferID, t.info.Size))
	}
	if _, err := t.file.Write(c.Data); err != nil {
		r.abort(key, t)
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err),
			"FileReceiver", "chunk", "write chunk")
	}
	t.hash.Write(c.Data)
	t.written += int64(len(c.Data))
	t.nextSeq++
	return nil
}

func (r *FileReceiver) finish(deviceID string, end *protocol.FileEnd) (*FileRecord, error) {
	key := transferKey(deviceID, end.TransferID)
	r.mu.Lock()
	t, ok := r.transfers[key]
	delete(r.transfers, key)
	r.mu.Unlock()
	if !ok {
		return nil, r.invalid("finish", fmt.Sprintf("unknown transfer %q", end.TransferID))
	}

	if err := t.file.Close(); err != nil {
		_ = os.Remove(t.part)
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err),
			"FileReceiver", "finish", "close part file")
	}
	sum := hex.EncodeToString(t.hash.Sum(nil))
	if t.written != t.info.Size || !strings.EqualFold(sum, t.info.SHA256) {
		_ = os.Remove(t.part)
		err := errors.WrapInvalid(
			fmt.Errorf("%w: %s got %d bytes sha256 %s, announced %d bytes sha256 %s",
				errors.ErrChecksumFailed, t.info.Name, t.written, sum, t.info.Size, t.info.SHA256),
			"FileReceiver", "finish", "verify transfer")
		r.metrics.RecordError("storage", errors.Kind(err))
		r.logger.Warn("File transfer failed verification", "device_id", deviceID, "transfer_id", end.TransferID)
		return nil, err
	}
	if err := os.Rename(t.part, t.final); err != nil {
		_ = os.Remove(t.part)
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err),
			"FileReceiver", "finish", "rename part file")
	}

	rec := &FileRecord{
		DeviceID:   deviceID,
		TransferID: end.TransferID,
		Name:       filepath.Base(t.final),
		Path:       t.final,
		Size:       t.written,
		SHA256:     sum,
		ReceivedAt: time.Now().UTC(),
	}
	r.logger.Info("File transfer complete", "device_id", deviceID, "transfer_id", end.TransferID,
		"path", t.final, "size", t.written, "duration", time.Since(t.started))
	return rec, nil
}

// Pending returns the number of unfinished transfers.
func (r *FileReceiver) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transfers)
}

// AbortDevice discards every unfinished transfer of a device.
func (r *FileReceiver) AbortDevice(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, t := range r.transfers {
		if t.device == deviceID {
			r.abort(key, t)
		}
	}
}

// abort discards a transfer. Callers hold r.mu.
func (r *FileReceiver) abort(key string, t *transfer) {
	delete(r.transfers, key)
	r.discard(t)
}

func (r *FileReceiver) discard(t *transfer) {
	_ = t.file.Close()
	_ = os.Remove(t.part)
}

func (r *FileReceiver) invalid(op, msg string) error {
	err := errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidData, msg), "FileReceiver", op, "handle file message")
	r.metrics.RecordError("storage", errors.Kind(err))
	return err
}
