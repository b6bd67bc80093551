package wal

import (
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// CompactOptions bounds retained history. A sealed segment is removed only
// when BOTH hold: the total log size exceeds MaxTotalBytes AND the segment
// is older than MaxAge. The active segment is never removed.
type CompactOptions struct {
	// Disabled turns automatic compaction off.
	Disabled bool
	// MaxAge is the minimum age of a removable segment. Default 7 days.
	MaxAge time.Duration
	// MaxTotalBytes is the size the log must exceed before anything is
	// removed. Default 1 GiB.
	MaxTotalBytes int64
}

func (o CompactOptions) withDefaults() CompactOptions {
	if o.MaxAge <= 0 {
		o.MaxAge = 7 * 24 * time.Hour
	}
	if o.MaxTotalBytes <= 0 {
		o.MaxTotalBytes = 1 << 30
	}
	return o
}

// compactLocked runs the retention policy. Caller holds l.mu.
func (l *Log) compactLocked(now time.Time) {
	if l.opts.Compact.Disabled {
		return
	}
	var total int64
	for _, seg := range l.segments {
		total += seg.size
	}

	kept := l.segments[:0]
	for i, seg := range l.segments {
		last := i == len(l.segments)-1
		if !last && total > l.opts.Compact.MaxTotalBytes && segmentOlderThan(seg.path, now, l.opts.Compact.MaxAge) {
			if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
				l.opts.Logger.WithError(err).Warn("wal: compaction remove failed")
				kept = append(kept, seg)
				continue
			}
			l.opts.Logger.WithFields(logrus.Fields{
				"segment": filepath.Base(seg.path),
				"records": seg.records,
			}).Info("wal: compacted segment")
			total -= seg.size
			continue
		}
		kept = append(kept, seg)
	}
	l.segments = kept
}

func segmentOlderThan(path string, now time.Time, age time.Duration) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return now.Sub(info.ModTime()) > age
}
