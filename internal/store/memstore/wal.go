package memstore

// ============================================================================
// Job record write-ahead log
// Responsibility:
// 1. Append one record per store mutation before it is applied in memory
// 2. Replay records on startup to rebuild the job map
// 3. Truncate after a snapshot has folded the records in
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/ChuLiYu/taskgate/pkg/types"
)

var (
	// ErrCorruptedWAL indicates a record in the middle of the log cannot be parsed.
	ErrCorruptedWAL = errors.New("wal: file is corrupted")
	// ErrChecksumMismatch indicates a record whose checksum does not match.
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")
	// ErrWALClosed indicates the log was closed.
	ErrWALClosed = errors.New("wal: already closed")
)

// EventType is the kind of mutation a record describes.
type EventType string

const (
	EventInsert     EventType = "INSERT"
	EventTransition EventType = "TRANSITION"
)

// Event is one log record. Job holds the full job image after the mutation,
// so replaying a record twice is harmless.
type Event struct {
	Seq       uint64          `json:"seq"`
	Type      EventType       `json:"type"`
	Job       json.RawMessage `json:"job"`
	Timestamp int64           `json:"timestamp"`
	Checksum  uint32          `json:"checksum"`
}

// EventHandler applies a replayed record.
type EventHandler func(event Event, job *types.Job) error

func checksum(seq uint64, eventType EventType, job []byte) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(strconv.FormatUint(seq, 10)))
	h.Write([]byte{'|'})
	h.Write([]byte(eventType))
	h.Write([]byte{'|'})
	h.Write(job)
	return h.Sum32()
}

// walFile is the part of *os.File the log uses.
type walFile interface {
	io.Writer
	Sync() error
	Truncate(size int64) error
	Seek(offset int64, whence int) (int64, error)
	Stat() (os.FileInfo, error)
	Close() error
}

// WAL is an append-only JSON-lines log of job records.
type WAL struct {
	mu           sync.Mutex
	file         walFile
	path         string
	seq          uint64
	syncOnAppend bool
	closed       bool
}

// OpenWAL opens or creates the log at path. The sequence continues from the
// last intact record.
func OpenWAL(path string, syncOnAppend bool) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}

	w := &WAL{file: file, path: path, syncOnAppend: syncOnAppend}

	var last uint64
	good, err := w.scan(func(e Event, _ *types.Job) error {
		last = e.Seq
		return nil
	})
	if err != nil {
		file.Close()
		return nil, err
	}

	// drop a torn final record so new appends start on a clean line
	if stat, err := file.Stat(); err == nil && stat.Size() > good {
		if err := file.Truncate(good); err != nil {
			file.Close()
			return nil, fmt.Errorf("wal: drop torn tail: %w", err)
		}
	}
	w.seq = last
	return w, nil
}

// Append writes one record. The record is on disk (and fsynced when
// syncOnAppend is set) when Append returns nil.
func (w *WAL) Append(eventType EventType, job *types.Job) (uint64, error) {
	raw, err := json.Marshal(job)
	if err != nil {
		return 0, fmt.Errorf("wal: marshal job: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrWALClosed
	}

	seq := w.seq + 1
	event := Event{
		Seq:       seq,
		Type:      eventType,
		Job:       raw,
		Timestamp: time.Now().UnixMilli(),
		Checksum:  checksum(seq, eventType, raw),
	}
	line, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("wal: marshal event: %w", err)
	}
	line = append(line, '\n')

	stat, err := w.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("wal: stat: %w", err)
	}
	offset := stat.Size()

	if _, err := w.file.Write(line); err != nil {
		return 0, w.rollback(offset, fmt.Errorf("wal: append: %w", err))
	}
	if w.syncOnAppend {
		if err := w.file.Sync(); err != nil {
			return 0, w.rollback(offset, fmt.Errorf("wal: sync: %w", err))
		}
	}
	w.seq = seq
	return seq, nil
}

// rollback cuts the log back to offset after a failed append so a record the
// caller was told failed is never replayed. If that fails too the log is
// closed: its tail can no longer be trusted. Callers hold w.mu.
func (w *WAL) rollback(offset int64, cause error) error {
	if err := w.file.Truncate(offset); err != nil {
		w.closed = true
		w.file.Close()
		return errors.Join(cause, fmt.Errorf("wal: rollback: %w", err), ErrWALClosed)
	}
	return cause
}

// Replay calls handler for every intact record in order.
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.scan(handler)
	return err
}

// scan reads the log from the start and returns the byte offset just past the
// last intact record. A record that fails to parse is tolerated only as the
// final line (a torn write at crash time).
func (w *WAL) scan(handler EventHandler) (int64, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return 0, fmt.Errorf("wal: open for replay: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	var (
		good       int64
		pendingErr error
	)
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 {
			if pendingErr != nil {
				return good, pendingErr
			}
			event, job, err := decodeLine(line)
			switch {
			case errors.Is(err, ErrChecksumMismatch):
				return good, err
			case err != nil:
				pendingErr = fmt.Errorf("%w: %v", ErrCorruptedWAL, err)
			default:
				if err := handler(event, job); err != nil {
					return good, err
				}
				good += int64(len(line))
			}
		}
		if readErr == io.EOF {
			return good, nil
		}
		if readErr != nil {
			return good, fmt.Errorf("wal: read: %w", readErr)
		}
	}
}

func decodeLine(line []byte) (Event, *types.Job, error) {
	var event Event
	if err := json.Unmarshal(line, &event); err != nil {
		return Event{}, nil, err
	}
	if checksum(event.Seq, event.Type, event.Job) != event.Checksum {
		return Event{}, nil, fmt.Errorf("%w at seq=%d", ErrChecksumMismatch, event.Seq)
	}
	var job types.Job
	if err := json.Unmarshal(event.Job, &job); err != nil {
		return Event{}, nil, err
	}
	return event, &job, nil
}

// Truncate empties the log. The sequence keeps growing so a snapshot's
// LastSeq stays comparable with later records.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("wal: truncate: %w", err)
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("wal: seek: %w", err)
	}
	return w.file.Sync()
}

// LastSeq returns the sequence number of the last appended record.
func (w *WAL) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// SetSeq moves the sequence forward, used after loading a snapshot whose
// LastSeq is ahead of an emptied log.
func (w *WAL) SetSeq(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq > w.seq {
		w.seq = seq
	}
}

// Closed reports whether Close has been called.
func (w *WAL) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Close flushes and closes the log. A closed WAL must not be reused.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("wal: sync on close: %w", err)
	}
	return w.file.Close()
}
