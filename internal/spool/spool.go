// Package spool implements the durable, append-only on-disk spool that
// absorbs envelopes while the persistence sink is unavailable. Each segment
// is a concatenation of length-prefixed canonical-envelope frames; crash
// recovery truncates a segment to its last whole frame on open.
package spool

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teru1991/crypto-collector/internal/envelope"
	"github.com/teru1991/crypto-collector/internal/metricsx"
)

// OnFullPolicy governs what happens to an append once the spool has reached
// its total byte cap.
type OnFullPolicy int

const (
	// DropTickerDepthKeepTrade drops ticker/depth/orderbook envelopes on
	// overflow but blocks (briefly retrying) on the trade path.
	DropTickerDepthKeepTrade OnFullPolicy = iota
	// DropAll silently drops every envelope once the cap is hit.
	DropAll
	// Block retries with a short sleep until space frees up.
	Block
)

// Config tunes one spool directory's segment rotation and overflow policy.
type Config struct {
	Dir             string
	MaxSegmentBytes uint64
	MaxTotalBytes   uint64
	OnFull          OnFullPolicy
}

const fullRetryDelay = 50 * time.Millisecond

// writeHead holds the currently open write segment.
type writeHead struct {
	seq        uint64
	file       *os.File
	fileBytes  uint64
}

// Spool is a durable, append-only spool backed by segment files in
// Config.Dir.
type Spool struct {
	cfg Config

	mu   sync.Mutex
	head *writeHead

	currentSeq atomic.Uint64
	totalBytes atomic.Int64
}

// Open creates Config.Dir if needed, recovers the latest segment from any
// partial tail write, and returns a ready Spool.
func Open(cfg Config) (*Spool, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("spool: create dir: %w", err)
	}

	segs, err := listSegments(cfg.Dir)
	if err != nil {
		return nil, err
	}

	s := &Spool{cfg: cfg}

	if len(segs) > 0 {
		last := segs[len(segs)-1]
		f, fileBytes, err := recoverSegment(segmentPath(cfg.Dir, last))
		if err != nil {
			return nil, err
		}
		s.head = &writeHead{seq: last, file: f, fileBytes: fileBytes}
		s.currentSeq.Store(last)
	}

	if err := s.refreshMetrics(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close flushes and closes the current write segment's file handle. The
// Spool remains safe to reopen later via Open, which will recover any
// partial tail frame exactly as it does after a crash.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.head == nil || s.head.file == nil {
		return nil
	}
	if err := s.head.file.Sync(); err != nil {
		return fmt.Errorf("spool: sync on close: %w", err)
	}
	return s.head.file.Close()
}

// AppendBatch writes batch to the spool, applying the on-full policy
// per-envelope, and returns the number of envelopes actually written.
func (s *Spool) AppendBatch(batch []envelope.Envelope) (int, error) {
	written := 0
	for _, env := range batch {
		record, err := env.EncodeCanonical()
		if err != nil {
			return written, fmt.Errorf("spool: encode envelope: %w", err)
		}
		frameSize := uint64(4 + len(record))

		ok, err := s.admitOrDrop(env, frameSize)
		if err != nil {
			return written, err
		}
		if !ok {
			continue
		}
		if err := s.writeRecord(record, frameSize); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

// admitOrDrop enforces the total-bytes cap and on_full policy for one
// envelope, blocking (with short retries) when the policy calls for it.
// Reports whether the envelope should proceed to be written.
func (s *Spool) admitOrDrop(env envelope.Envelope, frameSize uint64) (bool, error) {
	for {
		total := s.totalBytes.Load()
		if total+int64(frameSize) <= int64(s.cfg.MaxTotalBytes) {
			return true, nil
		}

		switch s.cfg.OnFull {
		case DropAll:
			metricsx.SpoolDroppedTotal.WithLabelValues(env.Exchange, env.Channel).Inc()
			return false, nil

		case DropTickerDepthKeepTrade:
			if env.Channel == "orderbook" || env.Channel == "depth" || env.Channel == "ticker" {
				metricsx.SpoolDroppedTotal.WithLabelValues(env.Exchange, env.Channel).Inc()
				return false, nil
			}
			time.Sleep(fullRetryDelay)

		case Block:
			time.Sleep(fullRetryDelay)

		default:
			metricsx.SpoolDroppedTotal.WithLabelValues(env.Exchange, env.Channel).Inc()
			return false, nil
		}
	}
}

// writeRecord appends one length-prefixed frame, rotating the segment first
// if needed. A fresh (empty) segment always accepts the frame regardless of
// size, so an oversized single record can never wedge the spool.
func (s *Spool) writeRecord(record []byte, frameSize uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.head == nil {
		if err := s.openSegmentLocked(1); err != nil {
			return err
		}
	}

	if s.head.fileBytes > 0 && s.head.fileBytes+frameSize > s.cfg.MaxSegmentBytes {
		if err := s.head.file.Sync(); err != nil {
			return fmt.Errorf("spool: flush segment: %w", err)
		}
		if err := s.openSegmentLocked(s.head.seq + 1); err != nil {
			return err
		}
		metricsx.SpoolSegments.Inc()
	}

	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(record)))
	if _, err := s.head.file.Write(hdr[:]); err != nil {
		return fmt.Errorf("spool: write header: %w", err)
	}
	if _, err := s.head.file.Write(record); err != nil {
		return fmt.Errorf("spool: write body: %w", err)
	}
	if err := s.head.file.Sync(); err != nil {
		return fmt.Errorf("spool: flush record: %w", err)
	}

	s.head.fileBytes += frameSize
	s.totalBytes.Add(int64(frameSize))
	metricsx.SpoolBytes.Set(float64(s.totalBytes.Load()))
	return nil
}

func (s *Spool) openSegmentLocked(seq uint64) error {
	path := segmentPath(s.cfg.Dir, seq)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("spool: open segment %d: %w", seq, err)
	}
	s.head = &writeHead{seq: seq, file: f}
	s.currentSeq.Store(seq)
	return nil
}

// CompleteSegments lists every segment other than the current write
// segment, oldest first.
func (s *Spool) CompleteSegments() ([]uint64, error) {
	current := s.currentSeq.Load()
	segs, err := listSegments(s.cfg.Dir)
	if err != nil {
		return nil, err
	}
	out := segs[:0]
	for _, seq := range segs {
		if seq != current && seq != 0 {
			out = append(out, seq)
		}
	}
	return out, nil
}

// ReadSegment reads every complete envelope from segment seq. A malformed
// frame mid-file terminates the read without error, returning only the
// clean prefix already decoded.
func (s *Spool) ReadSegment(seq uint64) ([]envelope.Envelope, error) {
	return readAllRecords(segmentPath(s.cfg.Dir, seq))
}

// DeleteSegment removes segment seq after a successful replay and
// reconciles the tracked byte/segment counts against disk.
func (s *Spool) DeleteSegment(seq uint64) error {
	path := segmentPath(s.cfg.Dir, seq)
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("spool: stat segment %d: %w", seq, err)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("spool: remove segment %d: %w", seq, err)
	}
	s.totalBytes.Add(-info.Size())
	return s.refreshMetrics()
}

// refreshMetrics recomputes spool_bytes/spool_segments from the directory,
// correcting any drift between the atomic counters and reality.
func (s *Spool) refreshMetrics() error {
	segs, err := listSegments(s.cfg.Dir)
	if err != nil {
		return err
	}
	var total int64
	for _, seq := range segs {
		info, err := os.Stat(segmentPath(s.cfg.Dir, seq))
		if err == nil {
			total += info.Size()
		}
	}
	s.totalBytes.Store(total)
	metricsx.SpoolBytes.Set(float64(total))
	metricsx.SpoolSegments.Set(float64(len(segs)))
	return nil
}

// TotalBytes returns the tracked total spool size across all segments.
func (s *Spool) TotalBytes() int64 { return s.totalBytes.Load() }

// ---------------------------------------------------------------------------
// Segment file helpers
// ---------------------------------------------------------------------------

func segmentPath(dir string, seq uint64) string {
	return filepath.Join(dir, fmt.Sprintf("spool_%06d.dat", seq))
}

func listSegments(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("spool: read dir: %w", err)
	}
	var segs []uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "spool_") || !strings.HasSuffix(name, ".dat") {
			continue
		}
		seqStr := name[len("spool_") : len(name)-len(".dat")]
		seq, err := strconv.ParseUint(seqStr, 10, 64)
		if err != nil {
			continue
		}
		segs = append(segs, seq)
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i] < segs[j] })
	return segs, nil
}

// recoverSegment scans path for whole frames and truncates any partial tail
// write, returning a file handle opened for append at the clean offset.
func recoverSegment(path string) (*os.File, uint64, error) {
	scan, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("spool: open segment for recovery: %w", err)
	}

	var goodOffset uint64
	for {
		var hdr [4]byte
		if _, err := io.ReadFull(scan, hdr[:]); err != nil {
			break // EOF or short read: stop at last good offset
		}
		length := binary.LittleEndian.Uint32(hdr[:])

		body := make([]byte, length)
		if _, err := io.ReadFull(scan, body); err != nil {
			break // incomplete body: stop before this frame
		}
		goodOffset += 4 + uint64(length)
	}
	scan.Close()

	info, err := os.Stat(path)
	if err != nil {
		return nil, 0, fmt.Errorf("spool: stat segment for recovery: %w", err)
	}
	if uint64(info.Size()) != goodOffset {
		if err := os.Truncate(path, int64(goodOffset)); err != nil {
			return nil, 0, fmt.Errorf("spool: truncate partial segment: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, 0, fmt.Errorf("spool: reopen recovered segment: %w", err)
	}
	return f, goodOffset, nil
}

// readAllRecords reads every complete record from path; a malformed or
// truncated frame mid-file stops the read and returns what was decoded so
// far without error.
func readAllRecords(path string) ([]envelope.Envelope, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("spool: open segment for read: %w", err)
	}
	defer f.Close()

	var out []envelope.Envelope
	for {
		var hdr [4]byte
		if _, err := io.ReadFull(f, hdr[:]); err != nil {
			break
		}
		length := binary.LittleEndian.Uint32(hdr[:])

		body := make([]byte, length)
		if _, err := io.ReadFull(f, body); err != nil {
			break
		}

		env, err := envelope.DecodeCanonical(body)
		if err != nil {
			break // malformed frame mid-segment: terminate the read, per spec
		}
		out = append(out, env)
	}
	return out, nil
}
