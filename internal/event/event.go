package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Category is the closed set of event categories.
type Category string

const (
	CategoryAmplifier     Category = "amplifier"
	CategoryBots          Category = "bots"
	CategoryBackdoor      Category = "backdoor"
	CategoryCNC           Category = "cnc"
	CategoryDeface        Category = "deface"
	CategoryDNSQuery      Category = "dns-query"
	CategoryDoSAttacker   Category = "dos-attacker"
	CategoryDoSVictim     Category = "dos-victim"
	CategoryFlow          Category = "flow"
	CategoryFlowAnomaly   Category = "flow-anomaly"
	CategoryFraud         Category = "fraud"
	CategoryLeak          Category = "leak"
	CategoryMalURL        Category = "malurl"
	CategoryMalwareAction Category = "malware-action"
	CategoryPhish         Category = "phish"
	CategoryProxy         Category = "proxy"
	CategorySandboxURL    Category = "sandbox-url"
	CategoryScam          Category = "scam"
	CategoryScanning      Category = "scanning"
	CategoryServerExploit Category = "server-exploit"
	CategorySpam          Category = "spam"
	CategorySpamURL       Category = "spam-url"
	CategoryTor           Category = "tor"
	CategoryVulnerable    Category = "vulnerable"
	CategoryWebcrime      Category = "webcrime"
	CategoryOther         Category = "other"
)

// Categories lists every member of the closed category set, in the
// order used by the aggregated views.
var Categories = []Category{
	CategoryAmplifier, CategoryBots, CategoryBackdoor, CategoryCNC,
	CategoryDeface, CategoryDNSQuery, CategoryDoSAttacker, CategoryDoSVictim,
	CategoryFlow, CategoryFlowAnomaly, CategoryFraud, CategoryLeak,
	CategoryMalURL, CategoryMalwareAction, CategoryPhish, CategoryProxy,
	CategorySandboxURL, CategoryScam, CategoryScanning, CategoryServerExploit,
	CategorySpam, CategorySpamURL, CategoryTor, CategoryVulnerable,
	CategoryWebcrime, CategoryOther,
}

func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Confidence is the closed confidence set.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Restriction is the closed restriction set.
type Restriction string

const (
	RestrictionPublic     Restriction = "public"
	RestrictionNeedToKnow Restriction = "need-to-know"
	RestrictionInternal   Restriction = "internal"
)

// Kind distinguishes a plain event from an aggregator summary.
type Kind string

const (
	KindEvent      Kind = "event"
	KindSuppressed Kind = "suppressed"
)

// Address is one enriched address entry.
type Address struct {
	IP  string `json:"ip"`
	ASN int    `json:"asn,omitempty"`
	CC  string `json:"cc,omitempty"`
}

// Enriched records what the enricher computed: the top-level keys it
// added plus, per IP, the address-level keys it added. The IP key is
// listed for an address iff the enricher resolved that IP itself.
type Enriched struct {
	TopLevel []string            `json:"top_level"`
	PerIP    map[string][]string `json:"per_ip"`
}

// Event is the unit that flows on the bus.
//
// Group is present only before aggregation; Count, Until and FirstTime
// only on suppressed summaries.
type Event struct {
	ID          string      `json:"id"`
	RID         string      `json:"rid"`
	Source      string      `json:"source"`
	Category    Category    `json:"category"`
	Confidence  Confidence  `json:"confidence,omitempty"`
	Restriction Restriction `json:"restriction,omitempty"`
	Time        time.Time   `json:"time"`
	Modified    time.Time   `json:"modified,omitempty"`

	Address []Address `json:"address,omitempty"`
	URL     string    `json:"url,omitempty"`
	FQDN    string    `json:"fqdn,omitempty"`
	DIP     string    `json:"dip,omitempty"`
	DPort   int       `json:"dport,omitempty"`
	Proto   string    `json:"proto,omitempty"`

	// URLData is the parser-attached normalization payload, carried
	// opaquely to the event DB where the search URL post-filter reads
	// it back.
	URLData json.RawMessage `json:"url_data,omitempty"`

	Name   string `json:"name,omitempty"`
	Client string `json:"client,omitempty"`

	Group string `json:"_group,omitempty"`
	Type  Kind   `json:"type,omitempty"`

	Count     int       `json:"count,omitempty"`
	Until     time.Time `json:"until,omitempty"`
	FirstTime time.Time `json:"_first_time,omitempty"`

	Enriched *Enriched `json:"enriched,omitempty"`

	// Flag set by parsers that already know the fqdn must not be
	// resolved (e.g. sinkholed domains).
	DoNotResolveFQDN bool `json:"_do_not_resolve_fqdn_to_ip,omitempty"`
}

var errBadSource = errors.New("source must be <label>.<channel>")

// SplitSource returns the label and channel parts of a source id.
func SplitSource(source string) (label, channel string, err error) {
	i := strings.IndexByte(source, '.')
	if i <= 0 || i == len(source)-1 {
		return "", "", fmt.Errorf("%w: %q", errBadSource, source)
	}
	return source[:i], source[i+1:], nil
}

// Marshal encodes the event as the bus JSON payload.
func Marshal(e *Event) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes a bus payload.
func Unmarshal(body []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
