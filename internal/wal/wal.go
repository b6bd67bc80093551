// Package wal implements the durable event bus: an append-only log of
// length-prefixed JSON records across rotated segment files, with replaying
// tailers and whole-segment truncation.
package wal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SyncPolicy selects when appends are fsynced.
type SyncPolicy string

const (
	// SyncPerRecord fsyncs before Append returns.
	SyncPerRecord SyncPolicy = "per-record"
	// SyncBatched fsyncs at most every Options.SyncInterval.
	SyncBatched SyncPolicy = "batched"
)

// Options tunes a Log. Zero values select the defaults noted per field.
type Options struct {
	// SegmentMaxBytes rotates the active segment once it exceeds this size.
	// Default 64 MiB.
	SegmentMaxBytes int64
	// Sync selects the fsync policy. Default SyncPerRecord.
	Sync SyncPolicy
	// SyncInterval applies to SyncBatched. Default 5ms.
	SyncInterval time.Duration
	// Compact removes whole segments once both bounds are exceeded.
	Compact CompactOptions
	// Logger receives recovery and compaction notes. Default discards.
	Logger logrus.FieldLogger
}

func (o Options) withDefaults() Options {
	if o.SegmentMaxBytes <= 0 {
		o.SegmentMaxBytes = 64 << 20
	}
	if o.Sync == "" {
		o.Sync = SyncPerRecord
	}
	if o.SyncInterval <= 0 {
		o.SyncInterval = 5 * time.Millisecond
	}
	o.Compact = o.Compact.withDefaults()
	if o.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		o.Logger = l
	}
	return o
}

type segment struct {
	first   uint64 // offset of the segment's first record
	records uint64
	path    string
	size    int64
}

func (s *segment) next() uint64 { return s.first + s.records }

// Log is the write-ahead-logged event bus. One writer, many tailers.
type Log struct {
	dir  string
	opts Options

	mu       sync.Mutex
	segments []*segment // sorted by first offset; last is active
	active   *os.File
	notify   chan struct{} // replaced on every append; closed to wake tailers
	dirty    bool          // batched mode: unsynced bytes pending
	closed   bool

	done chan struct{} // closed by Close; wakes blocked tailers
	wg   sync.WaitGroup
}

func segmentPath(dir string, first uint64) string {
	return filepath.Join(dir, fmt.Sprintf("wal-%016x.log", first))
}

func parseSegmentName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, "wal-") || !strings.HasSuffix(name, ".log") {
		return 0, false
	}
	hex := strings.TrimSuffix(strings.TrimPrefix(name, "wal-"), ".log")
	n, err := strconv.ParseUint(hex, 16, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Open recovers the log in dir, creating it if empty. The tail segment is
// scanned record-by-record; a torn or zero-filled tail is truncated and the
// scan position becomes the next append position. Invalid records anywhere
// else return ErrCorrupt.
func Open(dir string, opts Options) (*Log, error) {
	opts = opts.withDefaults()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read wal dir: %w", err)
	}
	var segs []*segment
	for _, ent := range entries {
		first, ok := parseSegmentName(ent.Name())
		if !ok {
			continue
		}
		segs = append(segs, &segment{first: first, path: filepath.Join(dir, ent.Name())})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].first < segs[j].first })

	l := &Log{
		dir:    dir,
		opts:   opts,
		notify: make(chan struct{}),
		done:   make(chan struct{}),
	}

	for i, seg := range segs {
		tail := i == len(segs)-1
		if err := l.scanSegment(seg, tail); err != nil {
			return nil, err
		}
		if seg.first != 0 && i == 0 {
			// Truncated history: replay starts at this segment.
			opts.Logger.WithField("first_offset", seg.first).Debug("wal: history begins past offset 0")
		}
		if !tail && seg.next() != segs[i+1].first {
			return nil, fmt.Errorf("%w: segment %s ends at offset %d but next begins at %d",
				ErrCorrupt, seg.path, seg.next(), segs[i+1].first)
		}
	}
	if len(segs) == 0 {
		segs = []*segment{{first: 0, path: segmentPath(dir, 0)}}
	}
	l.segments = segs

	tail := segs[len(segs)-1]
	f, err := os.OpenFile(tail.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open tail segment: %w", err)
	}
	l.active = f

	if opts.Sync == SyncBatched {
		l.wg.Add(1)
		go l.syncLoop()
	}
	return l, nil
}

// scanSegment counts records and sizes the segment. For the tail segment an
// invalid trailing record is truncated away; elsewhere it is fatal.
func (l *Log) scanSegment(seg *segment, tail bool) error {
	f, err := os.Open(seg.path)
	if err != nil {
		return fmt.Errorf("open segment %s: %w", seg.path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var pos int64
	for {
		body, err := readRecord(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			if !tail {
				return fmt.Errorf("%w: segment %s at byte %d: %v", ErrCorrupt, seg.path, pos, err)
			}
			l.opts.Logger.WithFields(logrus.Fields{
				"segment": filepath.Base(seg.path),
				"offset":  seg.first + seg.records,
			}).Warn("wal: discarding torn tail record")
			if err := os.Truncate(seg.path, pos); err != nil {
				return fmt.Errorf("truncate torn tail of %s: %w", seg.path, err)
			}
			break
		}
		pos += recordLen(body)
		seg.records++
	}
	seg.size = pos
	return nil
}

// Append durably writes body and returns its offset. Concurrent appenders
// are serialized; a single appender observes FIFO offsets.
func (l *Log) Append(ctx context.Context, body []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, fmt.Errorf("wal: log is closed")
	}

	seg := l.segments[len(l.segments)-1]
	if seg.size > 0 && seg.size+recordLen(body) > l.opts.SegmentMaxBytes {
		var err error
		if seg, err = l.rotateLocked(); err != nil {
			return 0, err
		}
	}

	rec := encodeRecord(body)
	if _, err := l.active.Write(rec); err != nil {
		return 0, fmt.Errorf("wal append: %w", err)
	}
	if l.opts.Sync == SyncPerRecord {
		if err := l.active.Sync(); err != nil {
			return 0, fmt.Errorf("wal fsync: %w", err)
		}
	} else {
		l.dirty = true
	}

	offset := seg.next()
	seg.records++
	seg.size += int64(len(rec))

	close(l.notify)
	l.notify = make(chan struct{})
	return offset, nil
}

func (l *Log) rotateLocked() (*segment, error) {
	if err := l.active.Sync(); err != nil {
		return nil, fmt.Errorf("wal rotate fsync: %w", err)
	}
	if err := l.active.Close(); err != nil {
		return nil, fmt.Errorf("wal rotate close: %w", err)
	}
	next := l.segments[len(l.segments)-1].next()
	seg := &segment{first: next, path: segmentPath(l.dir, next)}
	f, err := os.OpenFile(seg.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal rotate create: %w", err)
	}
	l.active = f
	l.segments = append(l.segments, seg)
	l.compactLocked(time.Now())
	return seg, nil
}

// NextOffset returns the offset the next Append will receive.
func (l *Log) NextOffset() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.segments[len(l.segments)-1].next()
}

// OldestOffset returns the first offset still retained.
func (l *Log) OldestOffset() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.segments[0].first
}

// segmentView is an immutable snapshot of one segment's bounds, taken under
// the log mutex so replay never touches live segment counters.
type segmentView struct {
	path  string
	first uint64
	next  uint64
}

// Tail replays records with offset >= from in strict offset order, then
// streams new appends. It returns nil once ctx is done or the log closes,
// and fn's error if fn fails. If from predates the oldest retained segment,
// replay begins at the oldest record.
func (l *Log) Tail(ctx context.Context, from uint64, fn func(offset uint64, body []byte) error) error {
	for {
		l.mu.Lock()
		next := l.segments[len(l.segments)-1].next()
		notify := l.notify
		closed := l.closed
		if from < l.segments[0].first {
			from = l.segments[0].first
		}
		views := make([]segmentView, len(l.segments))
		for i, seg := range l.segments {
			views[i] = segmentView{path: seg.path, first: seg.first, next: seg.next()}
		}
		l.mu.Unlock()

		if from < next {
			n, err := l.replay(views, from, next, fn)
			if err != nil {
				return err
			}
			from = n
			continue
		}
		if closed {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-l.done:
			return nil
		case <-notify:
		}
	}
}

// replay streams records in [from, limit) to fn and returns the next offset
// to resume from. Segments removed by concurrent truncation are skipped.
func (l *Log) replay(views []segmentView, from, limit uint64, fn func(uint64, []byte) error) (uint64, error) {
	for i, v := range views {
		if v.next <= from && i != len(views)-1 {
			continue
		}
		f, err := os.Open(v.path)
		if err != nil {
			if os.IsNotExist(err) {
				continue // truncated under us; resume at the next segment
			}
			return from, fmt.Errorf("wal replay open %s: %w", v.path, err)
		}
		r := bufio.NewReader(f)
		offset := v.first
		for offset < limit {
			body, err := readRecord(r)
			if err == io.EOF || err == errTornTail {
				break
			}
			if err != nil {
				f.Close()
				return from, fmt.Errorf("wal replay %s: %w", v.path, err)
			}
			if offset >= from {
				if err := fn(offset, body); err != nil {
					f.Close()
					return from, err
				}
				from = offset + 1
			}
			offset++
		}
		f.Close()
	}
	return from, nil
}

// Truncate removes whole segments whose highest offset is below before.
// The active segment is never removed and no segment is rewritten.
func (l *Log) Truncate(before uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.segments[:0]
	for i, seg := range l.segments {
		if i < len(l.segments)-1 && seg.next() <= before {
			if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("wal truncate: %w", err)
			}
			continue
		}
		kept = append(kept, seg)
	}
	l.segments = kept
	return nil
}

func (l *Log) syncLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.opts.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.mu.Lock()
			if l.dirty && !l.closed {
				if err := l.active.Sync(); err != nil {
					l.opts.Logger.WithError(err).Error("wal: batched fsync failed")
				}
				l.dirty = false
			}
			l.mu.Unlock()
		}
	}
}

// Close syncs and closes the active segment and wakes all tailers.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	err := l.active.Sync()
	if cerr := l.active.Close(); err == nil {
		err = cerr
	}
	close(l.done)
	l.mu.Unlock()

	l.wg.Wait()
	return err
}
