package collector

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// RowsState is the durable state of a time-ordered-rows collector:
// the newest row time seen so far, the exact rows carrying that time,
// and the total count of usable rows in the last snapshot.
type RowsState struct {
	NewestRowTime string   `json:"newest_row_time"`
	NewestRows    []string `json:"newest_rows"`
	RowsCount     int      `json:"rows_count"`
}

func (s *RowsState) newestSet() map[string]struct{} {
	set := make(map[string]struct{}, len(s.NewestRows))
	for _, r := range s.NewestRows {
		set[r] = struct{}{}
	}
	return set
}

// RowsHooks are the per-feed customization points of the rows engine.
// Nil hooks fall back to the defaults: skip blanks and '#' comments,
// and no row-time extraction (which makes every row unusable, so
// PickRawRowTime is effectively mandatory).
type RowsHooks struct {
	// UseRow filters rows before any time extraction.
	UseRow func(row string) bool
	// PickRawRowTime extracts the raw ordering field; ok == false
	// skips the row.
	PickRawRowTime func(row string) (string, bool)
	// CleanRowTime normalizes the raw value so that newer rows compare
	// strictly greater and equal-time rows compare equal; ok == false
	// skips the row.
	CleanRowTime func(raw string) (string, bool)
}

// DefaultUseRow skips blank rows and rows starting with '#'.
func DefaultUseRow(row string) bool {
	trimmed := strings.TrimSpace(row)
	return trimmed != "" && !strings.HasPrefix(trimmed, "#")
}

// RowsEngine computes, from a full feed snapshot, the rows not yet
// published. Duplicate fresh rows and row-count drift are reported;
// whether they abort the run is governed by FatalMismatch.
type RowsEngine struct {
	Hooks         RowsHooks
	FatalMismatch bool
	Log           zerolog.Logger
}

// RowsResult is what one pass over a snapshot produced.
type RowsResult struct {
	// FreshRows in original snapshot order; empty means nothing to
	// publish and the state must not be rewritten.
	FreshRows []string
	// State to persist after a successful publish flush.
	State RowsState
}

// Payload joins the fresh rows back into one message body.
func (r *RowsResult) Payload() []byte {
	return []byte(strings.Join(r.FreshRows, "\n"))
}

// Process runs one pass over the snapshot rows against the previous
// state.
func (e *RowsEngine) Process(rows []string, prev RowsState) (*RowsResult, error) {
	useRow := e.Hooks.UseRow
	if useRow == nil {
		useRow = DefaultUseRow
	}
	if e.Hooks.PickRawRowTime == nil {
		return nil, fmt.Errorf("rows: PickRawRowTime hook is required")
	}
	clean := e.Hooks.CleanRowTime
	if clean == nil {
		clean = func(raw string) (string, bool) { return raw, true }
	}

	prevSet := prev.newestSet()

	type timedRow struct {
		row  string
		time string
	}
	var used []timedRow
	newest := prev.NewestRowTime

	for _, row := range rows {
		if !useRow(row) {
			continue
		}
		raw, ok := e.Hooks.PickRawRowTime(row)
		if !ok {
			continue
		}
		t, ok := clean(raw)
		if !ok {
			continue
		}
		used = append(used, timedRow{row: row, time: t})
		if t > newest {
			newest = t
		}
	}

	var fresh []string
	var newestRows []string
	for _, tr := range used {
		if tr.time > prev.NewestRowTime {
			fresh = append(fresh, tr.row)
		} else if tr.time == prev.NewestRowTime {
			if _, seen := prevSet[tr.row]; !seen {
				fresh = append(fresh, tr.row)
			}
		}
		if tr.time == newest {
			newestRows = append(newestRows, tr.row)
		}
	}
	sort.Strings(newestRows)

	if err := e.checkDuplicates(fresh); err != nil {
		return nil, err
	}
	if err := e.checkDrift(prev.RowsCount, len(fresh), len(used)); err != nil {
		return nil, err
	}

	return &RowsResult{
		FreshRows: fresh,
		State: RowsState{
			NewestRowTime: newest,
			NewestRows:    newestRows,
			RowsCount:     len(used),
		},
	}, nil
}

func (e *RowsEngine) checkDuplicates(fresh []string) error {
	seen := make(map[string]struct{}, len(fresh))
	for _, row := range fresh {
		if _, dup := seen[row]; dup {
			if e.FatalMismatch {
				return fmt.Errorf("rows: duplicate fresh row %q", row)
			}
			e.Log.Warn().Str("row", row).Msg("duplicate fresh rows")
			return nil
		}
		seen[row] = struct{}{}
	}
	return nil
}

func (e *RowsEngine) checkDrift(prevCount, freshCount, currentCount int) error {
	if prevCount == 0 || prevCount+freshCount == currentCount {
		return nil
	}
	if e.FatalMismatch {
		return fmt.Errorf("rows: row count drift: %d previous + %d fresh != %d current",
			prevCount, freshCount, currentCount)
	}
	e.Log.Warn().
		Int("previous", prevCount).
		Int("fresh", freshCount).
		Int("current", currentCount).
		Msg("row count drift")
	return nil
}

// RowsCollector binds the engine to a fetch function and the state
// store, implementing the OneShot + Stateful contracts.
type RowsCollector struct {
	SourceID  string
	Name      string // state-file suffix, the collector's class name
	Engine    RowsEngine
	FetchBody func() ([]byte, error)
	SplitRows func(body []byte) []string // default: split on newlines

	pending *RowsState
}

func (c *RowsCollector) Source() string    { return c.SourceID }
func (c *RowsCollector) StateName() string { return c.Name }

// Collect runs one pass: load state, fetch, diff. It returns nil when
// no fresh rows exist.
func (c *RowsCollector) Collect(store *Store) (*Message, error) {
	var prev RowsState
	if _, err := store.Load(c.SourceID, c.Name, &prev); err != nil {
		return nil, err
	}

	body, err := c.FetchBody()
	if err != nil {
		return nil, err
	}

	split := c.SplitRows
	if split == nil {
		split = func(b []byte) []string {
			return strings.Split(strings.TrimRight(string(b), "\n"), "\n")
		}
	}

	res, err := c.Engine.Process(split(body), prev)
	if err != nil {
		return nil, err
	}
	if len(res.FreshRows) == 0 {
		return nil, nil
	}

	c.pending = &res.State
	return &Message{Body: res.Payload(), Type: TypeFile, ContentType: "text/csv"}, nil
}

// Commit persists the state computed by the last Collect. Called only
// after the publish flush succeeded.
func (c *RowsCollector) Commit(store *Store) error {
	if c.pending == nil {
		return nil
	}
	if err := store.Save(c.SourceID, c.Name, c.pending); err != nil {
		return err
	}
	c.pending = nil
	return nil
}
