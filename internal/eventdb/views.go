package eventdb

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/n6hub/n6pipe/internal/event"
)

// CategoryCount pairs a category with its event count.
type CategoryCount struct {
	Category event.Category `json:"category"`
	Count    int            `json:"count"`
}

// EventsCounts returns per-category counts since the given instant.
// Every known category is present, zero-initialized; a DB-returned
// category outside the closed set is a hard failure.
func (s *Store) EventsCounts(ctx context.Context, since time.Time) (map[event.Category]int, error) {
	out := make(map[event.Category]int, len(event.Categories))
	for _, c := range event.Categories {
		out[c] = 0
	}

	tx, err := s.readTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT category, COUNT(DISTINCT id) FROM event WHERE time >= $1 GROUP BY category`,
		since)
	if err != nil {
		return nil, wrapDBErr("events counts", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cat event.Category
			n   int
		)
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, wrapDBErr("events counts scan", err)
		}
		if !cat.Valid() {
			return nil, fmt.Errorf("event db: unknown category %q in events table", cat)
		}
		out[cat] = n
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr("events counts rows", err)
	}
	return out, nil
}

// MostFrequentCategories returns the top 6 categories by count since
// the given instant; when "other" is among them, the top 7 are taken
// and "other" is dropped.
func (s *Store) MostFrequentCategories(ctx context.Context, since time.Time) ([]CategoryCount, error) {
	counts, err := s.EventsCounts(ctx, since)
	if err != nil {
		return nil, err
	}

	all := make([]CategoryCount, 0, len(counts))
	for cat, n := range counts {
		all = append(all, CategoryCount{Category: cat, Count: n})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Count != all[j].Count {
			return all[i].Count > all[j].Count
		}
		return all[i].Category < all[j].Category
	})

	top := all
	if len(top) > 6 {
		top = top[:6]
	}
	hasOther := false
	for _, cc := range top {
		if cc.Category == event.CategoryOther {
			hasOther = true
			break
		}
	}
	if hasOther {
		top = all
		if len(top) > 7 {
			top = top[:7]
		}
		withoutOther := make([]CategoryCount, 0, 6)
		for _, cc := range top {
			if cc.Category != event.CategoryOther {
				withoutOther = append(withoutOther, cc)
			}
		}
		top = withoutOther
	}
	return top, nil
}

// DailyCounts returns, per day since the given instant, the
// per-category counts: map "YYYY-MM-DD" -> [(category, n), ...].
func (s *Store) DailyCounts(ctx context.Context, since time.Time) (map[string][]CategoryCount, error) {
	tx, err := s.readTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT date(time), category, COUNT(DISTINCT id)
		 FROM event WHERE time >= $1
		 GROUP BY date(time), category
		 ORDER BY date(time), category`,
		since)
	if err != nil {
		return nil, wrapDBErr("daily counts", err)
	}
	defer rows.Close()

	out := make(map[string][]CategoryCount)
	for rows.Next() {
		var (
			day time.Time
			cat event.Category
			n   int
		)
		if err := rows.Scan(&day, &cat, &n); err != nil {
			return nil, wrapDBErr("daily counts scan", err)
		}
		key := day.UTC().Format("2006-01-02")
		out[key] = append(out[key], CategoryCount{Category: cat, Count: n})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr("daily counts rows", err)
	}
	return out, nil
}

// NamesRanking returns the top 10 names by count for one category
// since the given instant, keyed by rank: {"1": {"<name>": n}, ...,
// "10": null} with null padding for missing ranks.
func (s *Store) NamesRanking(ctx context.Context, since time.Time, category event.Category) (map[string]map[string]int, error) {
	tx, err := s.readTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT name, COUNT(DISTINCT id) AS n
		 FROM event
		 WHERE time >= $1 AND category = $2 AND name IS NOT NULL AND name <> ''
		 GROUP BY name ORDER BY n DESC, name ASC LIMIT 10`,
		since, category)
	if err != nil {
		return nil, wrapDBErr("names ranking", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]int, 10)
	rank := 0
	for rows.Next() {
		var (
			name string
			n    int
		)
		if err := rows.Scan(&name, &n); err != nil {
			return nil, wrapDBErr("names ranking scan", err)
		}
		rank++
		out[fmt.Sprintf("%d", rank)] = map[string]int{name: n}
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr("names ranking rows", err)
	}
	for rank < 10 {
		rank++
		out[fmt.Sprintf("%d", rank)] = nil
	}
	return out, nil
}
