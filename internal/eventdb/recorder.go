package eventdb

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/n6hub/n6pipe/internal/event"
)

// Record stores one enriched event: the per-(id, ip) denormalization
// rows plus the client ownership rows. Re-ingests are de-duped on
// (id, source, time). Runs inside a Transact scope.
func (s *Store) Record(ctx context.Context, e *event.Event, clients []string) error {
	return s.Transact(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return s.record(ctx, tx, e, clients)
	})
}

const insertEvent = `
INSERT INTO event (id, rid, source, category, confidence, restriction,
                   time, modified, name, ip, asn, cc, address, url,
                   fqdn, dip, dport, proto, url_data)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
        $15, $16, $17, $18, $19)
ON CONFLICT (id, source, time, ip) DO NOTHING`

const insertClient = `
INSERT INTO client_to_event (id, client, time)
VALUES ($1, $2, $3)
ON CONFLICT (id, client) DO NOTHING`

func (s *Store) record(ctx context.Context, tx *sql.Tx, e *event.Event, clients []string) error {
	addrJSON, err := json.Marshal(e.Address)
	if err != nil {
		return wrapDBErr("encode address", err)
	}

	addrs := e.Address
	if len(addrs) == 0 {
		// Address-less events still get one row, with an empty ip.
		addrs = []event.Address{{}}
	}

	for _, a := range addrs {
		_, err := tx.ExecContext(ctx, insertEvent,
			e.ID, e.RID, e.Source, e.Category,
			nullStr(string(e.Confidence)), nullStr(string(e.Restriction)),
			e.Time.UTC(), e.Modified.UTC(), nullStr(e.Name),
			nullStr(a.IP), nullInt(a.ASN), nullStr(a.CC),
			addrJSON, nullStr(e.URL), nullStr(e.FQDN),
			nullStr(e.DIP), nullInt(e.DPort), nullStr(e.Proto),
			nullBytes(e.URLData),
		)
		if err != nil {
			return wrapDBErr("insert event", err)
		}
	}

	for _, client := range clients {
		if _, err := tx.ExecContext(ctx, insertClient, e.ID, client, e.Time.UTC()); err != nil {
			return wrapDBErr("insert client_to_event", err)
		}
	}
	return nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
