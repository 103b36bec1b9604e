package eventdb

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestWindowsDayStepBoundary(t *testing.T) {
	tmax := date(2024, 1, 10)
	p := Params{TimeMin: date(2024, 1, 1), TimeMax: &tmax}

	got := windows(p, 3, time.Now())

	require.Len(t, got, 3)
	assert.Equal(t, window{lower: date(2024, 1, 7), upper: date(2024, 1, 10), upperInclusive: true}, got[0])
	assert.Equal(t, window{lower: date(2024, 1, 4), upper: date(2024, 1, 7)}, got[1])
	assert.Equal(t, window{lower: date(2024, 1, 1), upper: date(2024, 1, 4)}, got[2])
}

func TestWindowsUntilAllExclusive(t *testing.T) {
	until := date(2024, 1, 5)
	p := Params{TimeMin: date(2024, 1, 1), TimeUntil: &until}

	got := windows(p, 2, time.Now())

	require.Len(t, got, 2)
	for _, w := range got {
		assert.False(t, w.upperInclusive)
	}
	assert.Equal(t, date(2024, 1, 3), got[0].lower)
	assert.Equal(t, date(2024, 1, 5), got[0].upper)
}

func TestWindowsDefaultUpperIsNowPlusHour(t *testing.T) {
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	p := Params{TimeMin: now.Add(-2 * time.Hour)}

	got := windows(p, 1, now)

	require.Len(t, got, 1)
	assert.Equal(t, now.Add(time.Hour), got[0].upper)
	assert.True(t, got[0].upperInclusive)
	assert.Equal(t, p.TimeMin, got[0].lower)
}

func TestWindowsDegenerateRange(t *testing.T) {
	// time.until before time.min still yields one well-formed window so
	// the caller logic stays uniform.
	until := date(2024, 1, 1)
	p := Params{TimeMin: date(2024, 1, 5), TimeUntil: &until}

	got := windows(p, 1, time.Now())
	require.Len(t, got, 1)
	assert.Equal(t, p.TimeMin, got[0].lower)
}

func resultColumns() []string {
	return []string{
		"id", "rid", "source", "category", "confidence", "restriction",
		"time", "modified", "name", "ip", "asn", "cc", "address", "url",
		"fqdn", "dip", "dport", "proto", "url_data",
	}
}

func addEventRow(rows *sqlmock.Rows, id string, ts time.Time, ip string) *sqlmock.Rows {
	return rows.AddRow(
		id, "rid-"+id, "spam.channel", "spam", "medium", "public",
		ts, ts, "feedname", ip, 1234, "PL", nil, nil,
		nil, nil, nil, nil, nil,
	)
}

func newMockStore(t *testing.T, dayStep int) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &Store{DB: db, Log: zerolog.Nop(), DayStep: dayStep}, mock
}

func searchQuery() Query {
	tmax := date(2024, 1, 10)
	return Query{
		Zone: ZoneSearch,
		Params: Params{
			TimeMin: date(2024, 1, 1),
			TimeMax: &tmax,
		},
		AccessConds: []Condition{{SQL: "event.source = ?", Args: []any{"spam.channel"}}},
	}
}

func collect(t *testing.T, s *Store, q Query) []*Result {
	t.Helper()
	var out []*Result
	err := s.Search(context.Background(), q, func(r *Result) error {
		out = append(out, r)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestSearchWindowOrderAndBounds(t *testing.T) {
	s, mock := newMockStore(t, 3)
	mock.ExpectBegin()

	// Newest window first, inclusive upper bound.
	w1 := sqlmock.NewRows(resultColumns())
	addEventRow(w1, "e9", date(2024, 1, 9), "1.1.1.1")
	addEventRow(w1, "e8", date(2024, 1, 8), "2.2.2.2")
	mock.ExpectQuery(`event\.time >= \$1 AND event\.time <= \$2`).
		WithArgs(date(2024, 1, 7), date(2024, 1, 10), "spam.channel").
		WillReturnRows(w1)

	// Middle window, exclusive upper bound. Two rows share an id: the
	// result dict is assembled once, from the first row.
	w2 := sqlmock.NewRows(resultColumns())
	addEventRow(w2, "e5", date(2024, 1, 5), "3.3.3.3")
	addEventRow(w2, "e5", date(2024, 1, 5), "4.4.4.4")
	mock.ExpectQuery(`event\.time >= \$1 AND event\.time < \$2`).
		WithArgs(date(2024, 1, 4), date(2024, 1, 7), "spam.channel").
		WillReturnRows(w2)

	mock.ExpectQuery(`event\.time >= \$1 AND event\.time < \$2`).
		WithArgs(date(2024, 1, 1), date(2024, 1, 4), "spam.channel").
		WillReturnRows(sqlmock.NewRows(resultColumns()))

	mock.ExpectRollback()

	results := collect(t, s, searchQuery())

	require.Len(t, results, 3)
	assert.Equal(t, "e9", results[0].ID)
	assert.Equal(t, "e8", results[1].ID)
	assert.Equal(t, "e5", results[2].ID)
	assert.Equal(t, "3.3.3.3", results[2].Address[0].IP)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchLimitStopsBeforeNextWindow(t *testing.T) {
	s, mock := newMockStore(t, 3)
	mock.ExpectBegin()

	w1 := sqlmock.NewRows(resultColumns())
	addEventRow(w1, "e9", date(2024, 1, 9), "1.1.1.1")
	// opt.limit 1 with the 100-row overfetch floor.
	mock.ExpectQuery(`LIMIT 101`).WillReturnRows(w1)
	mock.ExpectRollback()

	q := searchQuery()
	q.Params.Limit = 1
	results := collect(t, s, q)

	require.Len(t, results, 1)
	assert.Equal(t, "e9", results[0].ID)
	// No queries for the two remaining windows.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchOffsetReissueAfterCollapse(t *testing.T) {
	// A fully duplicated overfetch page forces a re-issued sub-query
	// with a running offset.
	s, mock := newMockStore(t, 30)
	mock.ExpectBegin()

	page1 := sqlmock.NewRows(resultColumns())
	for i := 0; i < 102; i++ {
		addEventRow(page1, "dup", date(2024, 1, 9), fmt.Sprintf("10.0.0.%d", i%250))
	}
	mock.ExpectQuery(`LIMIT 102`).WillReturnRows(page1)

	page2 := sqlmock.NewRows(resultColumns())
	addEventRow(page2, "fresh", date(2024, 1, 8), "1.1.1.1")
	mock.ExpectQuery(`LIMIT 101 OFFSET 102`).WillReturnRows(page2)

	mock.ExpectRollback()

	q := searchQuery()
	q.Params.Limit = 2
	results := collect(t, s, q)

	require.Len(t, results, 2)
	assert.Equal(t, "dup", results[0].ID)
	assert.Equal(t, "fresh", results[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchDBErrorWrapped(t *testing.T) {
	s, mock := newMockStore(t, 3)
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM event`).WillReturnError(fmt.Errorf("connection reset"))
	mock.ExpectRollback()

	err := s.Search(context.Background(), searchQuery(), func(r *Result) error { return nil })

	var dbErr *EventDatabaseError
	require.ErrorAs(t, err, &dbErr)
	assert.Contains(t, dbErr.Summary, "connection reset")
}

func TestBuildQueryShape(t *testing.T) {
	q := searchQuery()
	q.Params.Filters = map[string][]string{
		"category": {"spam", "cnc"},
		"fqdn.sub": {"cert"},
	}
	q.Params.Clients = []string{"org1"}

	stmt, args := buildQuery(q, window{
		lower: date(2024, 1, 1), upper: date(2024, 1, 4),
	}, 50, 10)

	assert.Contains(t, stmt, "JOIN client_to_event")
	assert.Contains(t, stmt, "client_to_event.client =")
	assert.Contains(t, stmt, "event.category IN")
	assert.Contains(t, stmt, "event.fqdn LIKE")
	assert.Contains(t, stmt, "event.source = ")
	assert.Contains(t, stmt, "ORDER BY event.time DESC")
	assert.Contains(t, stmt, "LIMIT 50 OFFSET 10")
	// window bounds twice (join + where), client, two categories, one
	// fqdn pattern, one access arg
	assert.Len(t, args, 9)
	assert.Contains(t, args, "%cert%")
	assert.Contains(t, args, "spam.channel")
}

func TestBuildQueryNoAccessMeansFalse(t *testing.T) {
	q := searchQuery()
	q.AccessConds = nil

	stmt, _ := buildQuery(q, window{lower: date(2024, 1, 1), upper: date(2024, 1, 4)}, 0, 0)
	assert.Contains(t, stmt, "FALSE")
	assert.NotContains(t, stmt, "LIMIT")
}
