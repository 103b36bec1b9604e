package eventdb

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/n6hub/n6pipe/internal/metrics"
)

// AccessZone selects the per-request resource class.
type AccessZone string

const (
	ZoneInside  AccessZone = "inside"
	ZoneThreats AccessZone = "threats"
	ZoneSearch  AccessZone = "search"
)

// Condition is one pre-compiled access-filter condition: a SQL
// fragment with its bind arguments. The per-zone conditions are OR-ed
// and always applied.
type Condition struct {
	SQL  string
	Args []any
}

// Params are the already-validated, de-anonymized request parameters.
type Params struct {
	TimeMin   time.Time
	TimeMax   *time.Time
	TimeUntil *time.Time

	// Limit is opt.limit; 0 means unbounded.
	Limit int

	// Clients constrains results to events owned by these client org
	// ids (forbidden for the inside zone, where the org id comes from
	// auth data).
	Clients []string

	// Filters maps non-time, non-opt, non-client param keys to their
	// values; each key is rendered through its query function.
	Filters map[string][]string

	// URLB64 values post-filter results at the application level.
	URLB64 [][]byte
}

// Query is one assembled search request.
type Query struct {
	Zone       AccessZone
	Params     Params
	AccessConds []Condition
}

// queryFunc renders one filter key into a SQL fragment. args are
// appended; the function returns the fragment.
type queryFunc func(values []string, add func(any) string) string

// keyQuery is the default query function: equality or IN.
func keyQuery(column string) queryFunc {
	return func(values []string, add func(any) string) string {
		if len(values) == 1 {
			return fmt.Sprintf("%s = %s", column, add(values[0]))
		}
		ph := make([]string, len(values))
		for i, v := range values {
			ph[i] = add(v)
		}
		return fmt.Sprintf("%s IN (%s)", column, strings.Join(ph, ", "))
	}
}

// subQuery matches a substring, for the *.sub filter keys.
func subQuery(column string) queryFunc {
	return func(values []string, add func(any) string) string {
		parts := make([]string, len(values))
		for i, v := range values {
			parts[i] = fmt.Sprintf("%s LIKE %s", column, add("%"+v+"%"))
		}
		return "(" + strings.Join(parts, " OR ") + ")"
	}
}

// queryFuncs maps filter keys to their query functions. Keys not
// listed use keyQuery on the same-named column.
var queryFuncs = map[string]queryFunc{
	"fqdn.sub": subQuery("event.fqdn"),
	"url.sub":  subQuery("event.url"),
	"ip":       keyQuery("event.ip"),
}

// window is one day-step partition of the scanned time range.
type window struct {
	lower          time.Time
	upper          time.Time
	upperInclusive bool
}

// windows partitions [TimeMin, upper] into day_step-wide slices, newest
// first. Without time.until the first upper bound is inclusive
// (upper = time.max, or now+1h); with time.until every upper bound is
// exclusive.
func windows(p Params, dayStep int, now time.Time) []window {
	step := time.Duration(dayStep) * 24 * time.Hour

	var upper time.Time
	inclusive := false
	if p.TimeUntil != nil {
		upper = *p.TimeUntil
	} else {
		if p.TimeMax != nil {
			upper = *p.TimeMax
		} else {
			upper = now.Add(time.Hour)
		}
		inclusive = true
	}

	var out []window
	for upper.After(p.TimeMin) {
		lower := upper.Add(-step)
		if lower.Before(p.TimeMin) {
			lower = p.TimeMin
		}
		out = append(out, window{lower: lower, upper: upper, upperInclusive: inclusive})
		inclusive = false
		upper = lower
	}
	if len(out) == 0 {
		// Degenerate range: a single empty-able window keeps the
		// caller logic uniform.
		out = append(out, window{lower: p.TimeMin, upper: upper, upperInclusive: inclusive})
	}
	return out
}

// Search yields result dicts in strictly descending time order across
// window boundaries, stopping early once opt.limit results were
// yielded. DB failures abort the iteration with an EventDatabaseError;
// already-yielded results remain valid.
func (s *Store) Search(ctx context.Context, q Query, yield func(*Result) error) error {
	tx, err := s.readTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stillExpected := q.Params.Limit
	seen := make(map[string]struct{})

	for _, win := range windows(q.Params, s.dayStep(), s.clock()) {
		if q.Params.Limit > 0 && stillExpected <= 0 {
			// The limit was satisfied; no further sub-query is issued.
			break
		}
		n, err := s.searchWindow(ctx, tx, q, win, stillExpected, seen, yield)
		if err != nil {
			return err
		}
		if q.Params.Limit > 0 {
			stillExpected -= n
		}
	}
	return nil
}

func (s *Store) dayStep() int {
	if s.DayStep > 0 {
		return s.DayStep
	}
	return 1
}

// searchWindow issues the sub-queries for one window, re-issuing with a
// running offset when row-to-result collapsing ate into an overfetched
// page. Returns the number of yielded results.
func (s *Store) searchWindow(
	ctx context.Context,
	tx querier,
	q Query,
	win window,
	stillExpected int,
	seen map[string]struct{},
	yield func(*Result) error,
) (int, error) {
	yielded := 0
	offset := 0

	for {
		limit := 0
		want := 0
		if q.Params.Limit > 0 {
			// Overfetch absorbs multi-row -> one-result collapsing
			// without a second round-trip in the common case.
			want = stillExpected - yielded
			over := want / 4
			if over < fetchBatchSize {
				over = fetchBatchSize
			}
			limit = want + over
		}

		stmt, args := buildQuery(q, win, limit, offset)
		metrics.QueryWindowsTotal.Inc()

		rowCount, n, err := s.consumeRows(ctx, tx, q, stmt, args, seen, yield, want)
		yielded += n
		if err != nil {
			return yielded, err
		}

		if limit == 0 || rowCount < limit {
			return yielded, nil // window exhausted
		}
		if q.Params.Limit > 0 && yielded >= stillExpected {
			return yielded, nil
		}
		offset += rowCount
	}
}

func (s *Store) consumeRows(
	ctx context.Context,
	tx querier,
	q Query,
	stmt string,
	args []any,
	seen map[string]struct{},
	yield func(*Result) error,
	want int,
) (rowCount, yielded int, err error) {
	rows, err := tx.QueryContext(ctx, stmt, args...)
	if err != nil {
		return 0, 0, wrapDBErr("query", err)
	}
	defer rows.Close()

	for rows.Next() {
		rowCount++
		r, err := scanResult(rows)
		if err != nil {
			return rowCount, yielded, err
		}
		// Rows sharing an id collapse into a single result dict,
		// taking the first row's columns.
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}

		keep, err := s.applyURLData(r, q.Params.URLB64)
		if err != nil {
			return rowCount, yielded, err
		}
		if !keep {
			continue
		}

		if err := yield(r); err != nil {
			return rowCount, yielded, err
		}
		yielded++
		if want > 0 && yielded >= want {
			return rowCount, yielded, nil
		}
	}
	if err := rows.Err(); err != nil {
		return rowCount, yielded, wrapDBErr("rows", err)
	}
	return rowCount, yielded, nil
}

// buildQuery renders one sub-query for a window.
func buildQuery(q Query, win window, limit, offset int) (string, []any) {
	var (
		args []any
		b    strings.Builder
	)
	add := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	b.WriteString("SELECT ")
	b.WriteString(eventColumns)
	b.WriteString(" FROM event")

	// Client constraint joins the ownership table on id and on both
	// time bounds (both sides), so the join prunes by partition too.
	joinClients := len(q.Params.Clients) > 0
	if joinClients {
		upperOp := "<"
		if win.upperInclusive {
			upperOp = "<="
		}
		fmt.Fprintf(&b,
			" JOIN client_to_event ON client_to_event.id = event.id"+
				" AND client_to_event.time >= %s AND client_to_event.time %s %s",
			add(win.lower), upperOp, add(win.upper))
	}

	var conds []string

	upperOp := "<"
	if win.upperInclusive {
		upperOp = "<="
	}
	conds = append(conds, fmt.Sprintf("event.time >= %s", add(win.lower)))
	conds = append(conds, fmt.Sprintf("event.time %s %s", upperOp, add(win.upper)))

	if joinClients {
		qf := keyQuery("client_to_event.client")
		conds = append(conds, qf(q.Params.Clients, add))
	}

	for _, key := range sortedFilterKeys(q.Params.Filters) {
		values := q.Params.Filters[key]
		if len(values) == 0 {
			continue
		}
		qf, ok := queryFuncs[key]
		if !ok {
			qf = keyQuery("event." + key)
		}
		conds = append(conds, qf(values, add))
	}

	// The access filter is always applied: the OR of the zone's
	// conditions. No conditions means no access at all.
	if len(q.AccessConds) > 0 {
		parts := make([]string, len(q.AccessConds))
		for i, c := range q.AccessConds {
			frag := c.SQL
			for _, a := range c.Args {
				frag = strings.Replace(frag, "?", add(a), 1)
			}
			parts[i] = frag
		}
		conds = append(conds, "("+strings.Join(parts, " OR ")+")")
	} else {
		conds = append(conds, "FALSE")
	}

	b.WriteString(" WHERE ")
	b.WriteString(strings.Join(conds, " AND "))
	b.WriteString(" ORDER BY event.time DESC")

	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
		if offset > 0 {
			fmt.Fprintf(&b, " OFFSET %d", offset)
		}
	}
	return b.String(), args
}

func sortedFilterKeys(filters map[string][]string) []string {
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
