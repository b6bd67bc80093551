package transform

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/zeebo/blake3"

	"github.com/orgloop/orgloop/internal/checkpoint"
	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/event"
)

const defaultDedupTTL = 60 * time.Second

// Dedup drops events whose content fingerprint was already observed within
// the source's dedup window, and records new fingerprints with a TTL. The
// window is persisted in the checkpoint store, so it holds across restarts.
type Dedup struct {
	store  *checkpoint.Store
	fields []string
	ttl    time.Duration
}

// NewDedup returns the "dedup" builtin bound to the engine's checkpoint
// store.
func NewDedup(store *checkpoint.Store) *Dedup {
	return &Dedup{store: store}
}

// Init reads `fields` (dot paths hashed into the fingerprint, required) and
// `ttl` (duration string, default 60s).
func (d *Dedup) Init(_ context.Context, cfg connector.Config) error {
	d.fields = cfg.GetStringSlice("fields")
	if len(d.fields) == 0 {
		return fmt.Errorf("dedup transform requires fields")
	}
	sort.Strings(d.fields)
	d.ttl = cfg.GetDuration("ttl", defaultDedupTTL)
	return nil
}

func (d *Dedup) Execute(_ context.Context, ev *event.Event) (*event.Event, error) {
	fp := d.fingerprint(ev)
	seen, err := d.store.Seen(ev.Source, fp)
	if err != nil {
		return nil, fmt.Errorf("dedup lookup: %w", err)
	}
	if seen {
		return nil, nil
	}
	if err := d.store.ObserveFingerprint(ev.Source, fp, d.ttl); err != nil {
		return nil, fmt.Errorf("dedup record: %w", err)
	}
	out := *ev
	out.Fingerprint = fp
	return &out, nil
}

// fingerprint hashes the sorted field list, each name and resolved value
// length-prefixed so adjacent fields cannot collide.
func (d *Dedup) fingerprint(ev *event.Event) string {
	h := blake3.New()
	var lenBuf [binary.MaxVarintLen64]byte
	writeChunk := func(s string) {
		n := binary.PutUvarint(lenBuf[:], uint64(len(s)))
		h.Write(lenBuf[:n])
		h.Write([]byte(s))
	}
	for _, field := range d.fields {
		writeChunk(field)
		writeChunk(event.LookupString(ev, field))
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

func (d *Dedup) Shutdown(context.Context) error { return nil }
