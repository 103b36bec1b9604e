// Package authdb loads the org / org-group / subsource graph from the
// auth database and compiles the per-zone access-filter conditions the
// query processor applies to every search.
//
// The graph is reference-heavy and may contain dangling links; nodes
// are arena-allocated with string ids and references are resolved in a
// second pass, pruning danglers with a logged warning.
package authdb

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/n6hub/n6pipe/internal/eventdb"
)

// Org is one client organization.
type Org struct {
	ID          string
	AccessZones map[eventdb.AccessZone]bool

	groupIDs []string
	Groups   []*Group
}

// Group bundles subsources granted together.
type Group struct {
	ID string

	subsourceIDs []string
	Subsources   []*Subsource
}

// Subsource names one feed (or feed slice) an org may see.
type Subsource struct {
	ID     string
	Source string
}

// Graph is the arena holding every node by id.
type Graph struct {
	Orgs       map[string]*Org
	Groups     map[string]*Group
	Subsources map[string]*Subsource

	log zerolog.Logger
}

// Load reads the whole graph in one shot. First pass allocates nodes;
// the second resolves references and prunes dangling ones.
func Load(ctx context.Context, pool *pgxpool.Pool, log zerolog.Logger) (*Graph, error) {
	g := &Graph{
		Orgs:       make(map[string]*Org),
		Groups:     make(map[string]*Group),
		Subsources: make(map[string]*Subsource),
		log:        log.With().Str("component", "authdb").Logger(),
	}

	if err := g.loadNodes(ctx, pool); err != nil {
		return nil, err
	}
	g.resolve()
	return g, nil
}

func (g *Graph) loadNodes(ctx context.Context, pool *pgxpool.Pool) error {
	rows, err := pool.Query(ctx, `SELECT id FROM org`)
	if err != nil {
		return fmt.Errorf("authdb: orgs: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("authdb: orgs: %w", err)
		}
		g.Orgs[id] = &Org{ID: id, AccessZones: make(map[eventdb.AccessZone]bool)}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("authdb: orgs: %w", err)
	}

	rows, err = pool.Query(ctx, `SELECT org_id, zone FROM org_access`)
	if err != nil {
		return fmt.Errorf("authdb: org access: %w", err)
	}
	for rows.Next() {
		var orgID, zone string
		if err := rows.Scan(&orgID, &zone); err != nil {
			rows.Close()
			return fmt.Errorf("authdb: org access: %w", err)
		}
		if org, ok := g.Orgs[orgID]; ok {
			org.AccessZones[eventdb.AccessZone(zone)] = true
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("authdb: org access: %w", err)
	}

	rows, err = pool.Query(ctx, `SELECT id FROM org_group`)
	if err != nil {
		return fmt.Errorf("authdb: groups: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("authdb: groups: %w", err)
		}
		g.Groups[id] = &Group{ID: id}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("authdb: groups: %w", err)
	}

	rows, err = pool.Query(ctx, `SELECT id, source FROM subsource`)
	if err != nil {
		return fmt.Errorf("authdb: subsources: %w", err)
	}
	for rows.Next() {
		var id, source string
		if err := rows.Scan(&id, &source); err != nil {
			rows.Close()
			return fmt.Errorf("authdb: subsources: %w", err)
		}
		g.Subsources[id] = &Subsource{ID: id, Source: source}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("authdb: subsources: %w", err)
	}

	rows, err = pool.Query(ctx, `SELECT org_id, group_id FROM org_to_group`)
	if err != nil {
		return fmt.Errorf("authdb: org links: %w", err)
	}
	for rows.Next() {
		var orgID, groupID string
		if err := rows.Scan(&orgID, &groupID); err != nil {
			rows.Close()
			return fmt.Errorf("authdb: org links: %w", err)
		}
		if org, ok := g.Orgs[orgID]; ok {
			org.groupIDs = append(org.groupIDs, groupID)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("authdb: org links: %w", err)
	}

	rows, err = pool.Query(ctx, `SELECT group_id, subsource_id FROM group_to_subsource`)
	if err != nil {
		return fmt.Errorf("authdb: group links: %w", err)
	}
	for rows.Next() {
		var groupID, subID string
		if err := rows.Scan(&groupID, &subID); err != nil {
			rows.Close()
			return fmt.Errorf("authdb: group links: %w", err)
		}
		if grp, ok := g.Groups[groupID]; ok {
			grp.subsourceIDs = append(grp.subsourceIDs, subID)
		}
	}
	rows.Close()
	return rows.Err()
}

// resolve turns the id references collected in the first pass into
// pointers, dropping dangling references instead of failing the load.
func (g *Graph) resolve() {
	for _, grp := range g.Groups {
		for _, id := range grp.subsourceIDs {
			sub, ok := g.Subsources[id]
			if !ok {
				g.log.Warn().Str("group", grp.ID).Str("subsource", id).
					Msg("dangling subsource reference pruned")
				continue
			}
			grp.Subsources = append(grp.Subsources, sub)
		}
		grp.subsourceIDs = nil
	}
	for _, org := range g.Orgs {
		for _, id := range org.groupIDs {
			grp, ok := g.Groups[id]
			if !ok {
				g.log.Warn().Str("org", org.ID).Str("group", id).
					Msg("dangling group reference pruned")
				continue
			}
			org.Groups = append(org.Groups, grp)
		}
		org.groupIDs = nil
	}
}

// AccessConditions compiles the OR-able condition list for one org and
// zone. No conditions means no access: the query processor turns an
// empty list into a match-nothing filter.
func (g *Graph) AccessConditions(orgID string, zone eventdb.AccessZone) ([]eventdb.Condition, error) {
	org, ok := g.Orgs[orgID]
	if !ok {
		return nil, fmt.Errorf("authdb: unknown org %q", orgID)
	}
	if !org.AccessZones[zone] {
		return nil, fmt.Errorf("authdb: org %q has no %s access", orgID, zone)
	}

	var conds []eventdb.Condition
	seen := make(map[string]struct{})
	for _, grp := range org.Groups {
		for _, sub := range grp.Subsources {
			if _, dup := seen[sub.Source]; dup {
				continue
			}
			seen[sub.Source] = struct{}{}
			conds = append(conds, eventdb.Condition{
				SQL:  "event.source = ?",
				Args: []any{sub.Source},
			})
		}
	}
	return conds, nil
}
