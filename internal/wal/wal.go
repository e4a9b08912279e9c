// Package wal is the durable append-only log of sequenced payloads.
//
// One file per peer, keyed by node_id. Records are appended in
// assignment order and replayed on startup; a torn trailing record
// (a crash mid-write) is discarded silently, everything before it
// must be structurally valid.
package wal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/tidwall/wal"

	"ordercluster/internal/metrics"
)

// Record is one sequenced payload, persisted before it is broadcast.
type Record struct {
	Epoch           uint64 `json:"epoch"`
	Seq             uint64 `json:"seq"`
	PayloadID       string `json:"payload_id"`
	SubmitterID     uint64 `json:"submitter_id"`
	SubmitTimestamp int64  `json:"submit_timestamp"`
	Body            []byte `json:"body"`
}

// Log is the durable, append-only, no-compaction write-ahead log for a
// single peer. It has no concurrent writers; callers serialize Append
// themselves (the sequencer already holds its state lock while calling).
type Log struct {
	mu  sync.Mutex
	log *wal.Log

	nextIdx uint64
}

// Open opens (or creates) the WAL directory for a peer and returns it
// along with every record found by a successful replay.
func Open(dir string, nodeID uint64) (*Log, []Record, error) {
	path := filepath.Join(dir, fmt.Sprintf("peer-%d", nodeID))

	opts := *wal.DefaultOptions
	l, err := wal.Open(path, &opts)
	if err != nil {
		return nil, nil, fmt.Errorf("wal.Open: %w", err)
	}

	lg := &Log{log: l, nextIdx: 1}

	records, err := lg.replay()
	if err != nil {
		l.Close()
		return nil, nil, err
	}

	return lg, records, nil
}

// Append durably persists a record. It returns only after the record
// is observable on disk following a process crash.
func (l *Log) Append(r Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	if err := l.log.Write(l.nextIdx, framePayload(payload)); err != nil {
		return fmt.Errorf("wal.Write(%d): %w", l.nextIdx, err)
	}
	if err := l.log.Sync(); err != nil {
		return fmt.Errorf("wal.Sync: %w", err)
	}

	l.nextIdx++
	metrics.WALWritesTotal.Inc()
	metrics.WALRecordsTotal.Set(float64(l.nextIdx - 1))
	return nil
}

// replay reads every record in append order. A structurally invalid
// trailing record is discarded silently (it is the signature of a
// crash mid-write); an invalid record anywhere else is a corrupt log,
// which is a fatal invariant violation the peer must refuse to start
// with (§7).
func (l *Log) replay() ([]Record, error) {
	empty, err := l.log.IsEmpty()
	if err != nil {
		return nil, fmt.Errorf("wal.IsEmpty: %w", err)
	}
	if empty {
		return nil, nil
	}

	first, err := l.log.FirstIndex()
	if err != nil {
		return nil, fmt.Errorf("wal.FirstIndex: %w", err)
	}
	last, err := l.log.LastIndex()
	if err != nil {
		return nil, fmt.Errorf("wal.LastIndex: %w", err)
	}

	records := make([]Record, 0, last-first+1)
	var prevSeq uint64

	for idx := first; idx <= last; idx++ {
		data, err := l.log.Read(idx)
		if err != nil {
			if idx == last {
				slog.Warn("discarding torn trailing WAL record", "index", idx, "error", err)
				break
			}
			return nil, fmt.Errorf("invariant violation: wal.Read(%d): %w", idx, err)
		}

		payload, err := unframePayload(data)
		if err != nil {
			if idx == last {
				slog.Warn("discarding torn trailing WAL record", "index", idx, "error", err)
				break
			}
			return nil, fmt.Errorf("invariant violation: corrupt WAL record at %d: %w", idx, err)
		}

		var r Record
		if err := json.Unmarshal(payload, &r); err != nil {
			if idx == last {
				slog.Warn("discarding torn trailing WAL record", "index", idx, "error", err)
				break
			}
			return nil, fmt.Errorf("invariant violation: corrupt WAL record at %d: %w", idx, err)
		}

		if r.Seq != 0 && r.Seq <= prevSeq {
			return nil, fmt.Errorf("invariant violation: WAL replay yielded non-monotonic seq %d after %d", r.Seq, prevSeq)
		}
		prevSeq = r.Seq

		records = append(records, r)
		l.nextIdx = idx + 1
	}

	slog.Info("WAL replayed", "records", len(records), "last_seq", prevSeq)
	return records, nil
}

// Close releases the underlying log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.log.Close()
}

// framePayload/unframePayload give each record an explicit length
// prefix so a torn write (partial record at crash time) is detectable
// independent of tidwall/wal's own record boundaries.
func framePayload(payload []byte) []byte {
	buf := make([]byte, binary.MaxVarintLen64+len(payload))
	n := binary.PutUvarint(buf, uint64(len(payload)))
	copy(buf[n:], payload)
	return buf[:n+len(payload)]
}

func unframePayload(data []byte) ([]byte, error) {
	length, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, io.ErrUnexpectedEOF
	}
	if n+int(length) != len(data) {
		return nil, io.ErrUnexpectedEOF
	}
	return data[n:], nil
}
