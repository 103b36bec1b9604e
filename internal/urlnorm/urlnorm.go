// Package urlnorm normalizes provisional URLs stored in event records
// as url_data. The normalization is deterministic and idempotent:
// applying it to its own output is a no-op.
package urlnorm

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Options are the normalization switches. The set is frozen for
// compatibility with historically stored option maps.
type Options struct {
	// Transcode1st forces the raw bytes into valid UTF-8 (invalid
	// sequences become U+FFFD) before any URL-level handling.
	Transcode1st bool
	// Epslash sets the path to "/" when it is empty and the scheme is
	// one of http, https, ftp.
	Epslash bool
	// Rmzone strips the IPv6 zone identifier from the host.
	Rmzone bool
}

// Brief letters, one per option.
const (
	briefTranscode = 't'
	briefEpslash   = 'e'
	briefRmzone    = 'r'
)

// FromBrief decodes a norm_brief string ("ter", "e", ...).
func FromBrief(brief string) Options {
	var o Options
	for _, c := range brief {
		switch c {
		case briefTranscode:
			o.Transcode1st = true
		case briefEpslash:
			o.Epslash = true
		case briefRmzone:
			o.Rmzone = true
		}
	}
	return o
}

// FromOptsMap decodes the legacy url_norm_opts map.
func FromOptsMap(m map[string]bool) Options {
	return Options{
		Transcode1st: m["transcode1st"],
		Epslash:      m["epslash"],
		Rmzone:       m["rmzone"],
	}
}

// Brief encodes the options back into the stored norm_brief form.
func (o Options) Brief() string {
	var b strings.Builder
	if o.Transcode1st {
		b.WriteRune(briefTranscode)
	}
	if o.Epslash {
		b.WriteRune(briefEpslash)
	}
	if o.Rmzone {
		b.WriteRune(briefRmzone)
	}
	return b.String()
}

var slashSchemes = map[string]bool{"http": true, "https": true, "ftp": true}

// Normalize applies the options to raw URL bytes. Unparseable input
// degrades to the transcoded string unchanged; the caller decides
// whether that is fatal.
func Normalize(raw []byte, o Options) string {
	s := string(raw)
	if o.Transcode1st {
		s = strings.ToValidUTF8(s, "�")
	}

	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" {
		return s
	}

	u.Scheme = strings.ToLower(u.Scheme)

	host := u.Host
	if o.Rmzone {
		host = rmZone(host)
	}
	// Host comparison is case-insensitive per RFC 3986.
	u.Host = strings.ToLower(host)

	if o.Epslash && u.Path == "" && slashSchemes[u.Scheme] {
		u.Path = "/"
	}
	return u.String()
}

// rmZone removes an IPv6 zone id ("%eth0", encoded "%25eth0") from a
// bracketed IPv6 host, keeping any port.
func rmZone(host string) string {
	i := strings.IndexByte(host, '[')
	j := strings.IndexByte(host, ']')
	if i != 0 || j < 0 {
		return host
	}
	inner := host[1:j]
	if k := strings.Index(inner, "%25"); k >= 0 {
		inner = inner[:k]
	} else if k := strings.IndexByte(inner, '%'); k >= 0 {
		inner = inner[:k]
	}
	return "[" + inner + "]" + host[j+1:]
}

// DecodeB64 decodes the orig_b64 payload; both the URL-safe and the
// standard alphabets occur in stored data, with or without padding.
func DecodeB64(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.URLEncoding, base64.RawURLEncoding,
		base64.StdEncoding, base64.RawStdEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("urlnorm: undecodable base64 %q", s)
}

// URLData is the stored url_data column value, in its current
// ({orig_b64, norm_brief}) or legacy ({url_orig, url_norm_opts}) form.
// New data must use the current form; the legacy one is read-only.
type URLData struct {
	OrigB64   string `json:"orig_b64,omitempty"`
	NormBrief string `json:"norm_brief,omitempty"`

	URLOrig     string          `json:"url_orig,omitempty"`
	URLNormOpts map[string]bool `json:"url_norm_opts,omitempty"`
}

var ErrMalformed = errors.New("urlnorm: malformed url_data")

// Resolve returns the normalization options and decoded original URL.
func (d *URLData) Resolve() ([]byte, Options, error) {
	switch {
	case d.OrigB64 != "":
		raw, err := DecodeB64(d.OrigB64)
		if err != nil {
			return nil, Options{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return raw, FromBrief(d.NormBrief), nil
	case d.URLOrig != "":
		raw, err := DecodeB64(d.URLOrig)
		if err != nil {
			return nil, Options{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return raw, FromOptsMap(d.URLNormOpts), nil
	}
	return nil, Options{}, ErrMalformed
}

// Normalized decodes and normalizes in one step.
func (d *URLData) Normalized() (string, error) {
	raw, opts, err := d.Resolve()
	if err != nil {
		return "", err
	}
	return Normalize(raw, opts), nil
}
