package rest

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/n6hub/n6pipe/internal/eventdb"
	"github.com/n6hub/n6pipe/internal/urlnorm"
)

// filterKeys is the closed set of plain filter params; anything else
// (besides the time.*, opt.*, client and url.b64 params handled
// explicitly) is rejected.
var filterKeys = map[string]bool{
	"category":    true,
	"name":        true,
	"ip":          true,
	"asn":         true,
	"cc":          true,
	"fqdn":        true,
	"fqdn.sub":    true,
	"url":         true,
	"url.sub":     true,
	"source":      true,
	"restriction": true,
	"confidence":  true,
	"proto":       true,
	"dport":       true,
	"dip":         true,
}

const maxLimit = 100000

// parseParams turns validated query params into eventdb.Params.
// time.min is mandatory; timestamps are RFC 3339 or "2006-01-02".
func parseParams(values url.Values) (eventdb.Params, error) {
	var p eventdb.Params

	rawMin := values.Get("time.min")
	if rawMin == "" {
		return p, fmt.Errorf("time.min is mandatory")
	}
	tmin, err := parseTime(rawMin)
	if err != nil {
		return p, fmt.Errorf("time.min: %w", err)
	}
	p.TimeMin = tmin

	if raw := values.Get("time.max"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			return p, fmt.Errorf("time.max: %w", err)
		}
		p.TimeMax = &t
	}
	if raw := values.Get("time.until"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			return p, fmt.Errorf("time.until: %w", err)
		}
		p.TimeUntil = &t
	}

	if raw := values.Get("opt.limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxLimit {
			return p, fmt.Errorf("opt.limit: bad value %q", raw)
		}
		p.Limit = n
	}

	p.Clients = values["client"]

	for _, b64 := range values["url.b64"] {
		raw, err := urlnorm.DecodeB64(b64)
		if err != nil {
			return p, fmt.Errorf("url.b64: %w", err)
		}
		p.URLB64 = append(p.URLB64, raw)
	}

	p.Filters = make(map[string][]string)
	for key, vals := range values {
		switch key {
		case "time.min", "time.max", "time.until", "opt.limit", "client", "url.b64":
			continue
		}
		if !filterKeys[key] {
			return p, fmt.Errorf("unknown param %q", key)
		}
		p.Filters[key] = vals
	}
	return p, nil
}

func parseTime(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", raw)
}
