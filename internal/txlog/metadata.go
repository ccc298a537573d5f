package txlog

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/roach88/rxlog/internal/kv"
)

// MetadataTable holds the log counters.
const MetadataTable = "TxMetadata"

// Metadata keys.
const (
	KeyLatest      = "Latest"
	KeyActiveCount = "ActiveCount"
	KeyHeldCount   = "HeldCount"
)

// Metadata is the persisted counter triple.
//
// Latest is the newest version. ActiveCount trailing versions are still
// needed for recovery. HeldCount trailing versions still exist in storage.
type Metadata struct {
	Latest      int64 `json:"latest"`
	ActiveCount int64 `json:"active_count"`
	HeldCount   int64 `json:"held_count"`
}

// Initialized reports whether Metadata describes at least one version.
func (m Metadata) Initialized() bool {
	return m != Metadata{}
}

// Reclaimable returns the number of held versions no longer active.
func (m Metadata) Reclaimable() int64 {
	return m.HeldCount - m.ActiveCount
}

// Oldest returns the oldest held version.
func (m Metadata) Oldest() int64 {
	return m.Latest - m.HeldCount + 1
}

// Check verifies the counter invariants. The zero Metadata is valid.
func (m Metadata) Check() error {
	if !m.Initialized() {
		return nil
	}
	switch {
	case m.ActiveCount < 1:
		return &InvariantError{Metadata: m, Reason: "active count below 1"}
	case m.HeldCount < m.ActiveCount:
		return &InvariantError{Metadata: m, Reason: "held count below active count"}
	case m.Latest < m.HeldCount:
		return &InvariantError{Metadata: m, Reason: "latest below held count"}
	}
	return nil
}

// Store writes all three counters into tx.
func (m Metadata) Store(ctx context.Context, tx kv.Transaction) error {
	tbl := tx.Table(MetadataTable)
	for _, f := range []struct {
		key   string
		value int64
	}{
		{KeyLatest, m.Latest},
		{KeyActiveCount, m.ActiveCount},
		{KeyHeldCount, m.HeldCount},
	} {
		if err := tbl.Set(ctx, f.key, []byte(strconv.FormatInt(f.value, 10))); err != nil {
			return fmt.Errorf("write metadata %s: %w", f.key, err)
		}
	}
	return nil
}

// StoreActiveCount writes only the active count into tx.
func StoreActiveCount(ctx context.Context, tx kv.Transaction, active int64) error {
	err := tx.Table(MetadataTable).Set(ctx, KeyActiveCount, []byte(strconv.FormatInt(active, 10)))
	if err != nil {
		return fmt.Errorf("write metadata %s: %w", KeyActiveCount, err)
	}
	return nil
}

// StoreHeldCount writes only the held count into tx.
func StoreHeldCount(ctx context.Context, tx kv.Transaction, held int64) error {
	err := tx.Table(MetadataTable).Set(ctx, KeyHeldCount, []byte(strconv.FormatInt(held, 10)))
	if err != nil {
		return fmt.Errorf("write metadata %s: %w", KeyHeldCount, err)
	}
	return nil
}

// LoadMetadata reads the counters from tx. found is false when none of the
// keys exist. A partial or unparsable triple wraps ErrUnsupportedRecord.
func LoadMetadata(ctx context.Context, tx kv.Transaction) (m Metadata, found bool, err error) {
	tbl := tx.Table(MetadataTable)

	fields := []struct {
		key string
		dst *int64
	}{
		{KeyLatest, &m.Latest},
		{KeyActiveCount, &m.ActiveCount},
		{KeyHeldCount, &m.HeldCount},
	}

	present := 0
	for _, f := range fields {
		raw, err := tbl.Get(ctx, f.key)
		if errors.Is(err, kv.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return Metadata{}, false, fmt.Errorf("read metadata %s: %w", f.key, err)
		}
		v, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil || v < 0 {
			return Metadata{}, false, fmt.Errorf("%w: metadata %s = %q", ErrUnsupportedRecord, f.key, raw)
		}
		*f.dst = v
		present++
	}

	switch present {
	case 0:
		return Metadata{}, false, nil
	case len(fields):
		return m, true, nil
	default:
		return Metadata{}, false, fmt.Errorf("%w: metadata has %d of %d counters", ErrUnsupportedRecord, present, len(fields))
	}
}
