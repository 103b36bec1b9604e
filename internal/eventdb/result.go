package eventdb

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/n6hub/n6pipe/internal/event"
	"github.com/n6hub/n6pipe/internal/urlnorm"
)

// eventColumns is the full select list of the event table, one row per
// (id, ip) denormalization. The aggregated address column already
// covers per-row ip/asn/cc variations, so collapsing same-id rows may
// take the first row's columns.
const eventColumns = `event.id, event.rid, event.source, event.category,
event.confidence, event.restriction, event.time, event.modified,
event.name, event.ip, event.asn, event.cc, event.address, event.url,
event.fqdn, event.dip, event.dport, event.proto, event.url_data`

// Result is one assembled result dict.
type Result struct {
	ID          string          `json:"id"`
	RID         string          `json:"rid"`
	Source      string          `json:"source"`
	Category    event.Category  `json:"category"`
	Confidence  string          `json:"confidence,omitempty"`
	Restriction string          `json:"restriction,omitempty"`
	Time        time.Time       `json:"time"`
	Modified    time.Time       `json:"modified,omitempty"`
	Name        string          `json:"name,omitempty"`
	Address     []event.Address `json:"address,omitempty"`
	URL         string          `json:"url,omitempty"`
	FQDN        string          `json:"fqdn,omitempty"`
	DIP         string          `json:"dip,omitempty"`
	DPort       int             `json:"dport,omitempty"`
	Proto       string          `json:"proto,omitempty"`

	urlData []byte
}

// scanResult reads one row into a Result.
func scanResult(rows *sql.Rows) (*Result, error) {
	var (
		r        Result
		conf     sql.NullString
		restr    sql.NullString
		modified sql.NullTime
		name     sql.NullString
		ip       sql.NullString
		asn      sql.NullInt64
		cc       sql.NullString
		address  []byte
		rawURL   sql.NullString
		fqdn     sql.NullString
		dip      sql.NullString
		dport    sql.NullInt64
		proto    sql.NullString
		urlData  []byte
	)
	err := rows.Scan(
		&r.ID, &r.RID, &r.Source, &r.Category,
		&conf, &restr, &r.Time, &modified,
		&name, &ip, &asn, &cc, &address, &rawURL,
		&fqdn, &dip, &dport, &proto, &urlData,
	)
	if err != nil {
		return nil, wrapDBErr("scan", err)
	}

	r.Confidence = conf.String
	r.Restriction = restr.String
	if modified.Valid {
		r.Modified = modified.Time.UTC()
	}
	r.Name = name.String
	r.URL = rawURL.String
	r.FQDN = fqdn.String
	r.DIP = dip.String
	r.DPort = int(dport.Int64)
	r.Proto = proto.String
	r.Time = r.Time.UTC()

	if len(address) > 0 {
		if err := json.Unmarshal(address, &r.Address); err != nil {
			return nil, wrapDBErr("decode address column", err)
		}
	} else if ip.Valid && ip.String != "" {
		addr := event.Address{IP: ip.String}
		if asn.Valid {
			addr.ASN = int(asn.Int64)
		}
		if cc.Valid {
			addr.CC = cc.String
		}
		r.Address = []event.Address{addr}
	}

	r.urlData = urlData
	return &r, nil
}

// applyURLData runs the application-level URL post-filter against one
// result:
//   - decode the stored original URL and normalize it under its brief,
//   - when the request carries url.b64 values, keep the event only if
//     one of them normalizes to the same form,
//   - replace the provisional url field with the normalized form.
//
// It reports whether the result is kept; malformed url_data drops the
// event.
func (s *Store) applyURLData(r *Result, urlB64 [][]byte) (bool, error) {
	if len(r.urlData) == 0 {
		// No provisional URL; url.b64-filtered requests match nothing
		// without stored url_data.
		return len(urlB64) == 0, nil
	}

	var data urlnorm.URLData
	if err := json.Unmarshal(r.urlData, &data); err != nil {
		s.Log.Error().Err(err).Str("id", r.ID).Msg("malformed url_data, event dropped")
		return false, nil
	}
	raw, opts, err := data.Resolve()
	if err != nil {
		s.Log.Error().Err(err).Str("id", r.ID).Msg("malformed url_data, event dropped")
		return false, nil
	}
	normalized := urlnorm.Normalize(raw, opts)

	if len(urlB64) > 0 {
		matched := false
		for _, candidate := range urlB64 {
			if urlnorm.Normalize(candidate, opts) == normalized {
				matched = true
				break
			}
		}
		if !matched {
			return false, nil
		}
	}

	r.URL = normalized
	return true, nil
}
