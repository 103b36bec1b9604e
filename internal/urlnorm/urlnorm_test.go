package urlnorm

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBriefRoundTrip(t *testing.T) {
	for _, brief := range []string{"", "t", "e", "r", "te", "tr", "er", "ter"} {
		assert.Equal(t, brief, FromBrief(brief).Brief())
	}
}

func TestFromOptsMapMatchesBrief(t *testing.T) {
	opts := FromOptsMap(map[string]bool{"transcode1st": true, "rmzone": true})
	assert.Equal(t, Options{Transcode1st: true, Rmzone: true}, opts)
	assert.Equal(t, "tr", opts.Brief())
}

func TestNormalizeLowercasesSchemeAndHost(t *testing.T) {
	got := Normalize([]byte("HTTP://Example.COM/Path/File.EXE"), Options{})
	// Path case is significant and preserved.
	assert.Equal(t, "http://example.com/Path/File.EXE", got)
}

func TestNormalizeEpslash(t *testing.T) {
	opts := Options{Epslash: true}
	assert.Equal(t, "http://example.com/", Normalize([]byte("http://example.com"), opts))
	assert.Equal(t, "ftp://example.com/", Normalize([]byte("ftp://example.com"), opts))
	// Non-slash schemes are left alone.
	assert.Equal(t, "mailto:user@example.com", Normalize([]byte("mailto:user@example.com"), opts))
	// An existing path is never touched.
	assert.Equal(t, "http://example.com/x", Normalize([]byte("http://example.com/x"), opts))
}

func TestNormalizeRmzone(t *testing.T) {
	opts := Options{Rmzone: true}
	assert.Equal(t, "http://[fe80::1]/x", Normalize([]byte("http://[fe80::1%25eth0]/x"), opts))
	assert.Equal(t, "http://[fe80::1]:8080/x", Normalize([]byte("http://[fe80::1%25eth0]:8080/x"), opts))
	// Non-bracketed hosts pass through.
	assert.Equal(t, "http://example.com/x", Normalize([]byte("http://example.com/x"), opts))
}

func TestNormalizeTranscode(t *testing.T) {
	// A run of invalid bytes collapses into one replacement char.
	raw := append([]byte("http://example.com/"), 0xff, 0xfe)
	got := Normalize(raw, Options{Transcode1st: true})
	assert.Equal(t, "http://example.com/%EF%BF%BD", got)
}

func TestNormalizeIdempotent(t *testing.T) {
	opts := Options{Transcode1st: true, Epslash: true, Rmzone: true}
	inputs := []string{
		"HTTP://Example.COM",
		"http://[fe80::1%25eth0]/x",
		"https://ex.org/a?b=C#frag",
		"not a url at all",
	}
	for _, in := range inputs {
		once := Normalize([]byte(in), opts)
		twice := Normalize([]byte(once), opts)
		assert.Equal(t, once, twice, in)
	}
}

func TestNormalizeUnparseableDegrades(t *testing.T) {
	assert.Equal(t, "no-scheme-here", Normalize([]byte("no-scheme-here"), Options{}))
}

func TestDecodeB64AllAlphabets(t *testing.T) {
	raw := []byte("http://example.com/?q=\xfb\xef")

	for _, enc := range []*base64.Encoding{
		base64.URLEncoding, base64.RawURLEncoding,
		base64.StdEncoding, base64.RawStdEncoding,
	} {
		got, err := DecodeB64(enc.EncodeToString(raw))
		require.NoError(t, err)
		assert.Equal(t, raw, got)
	}

	_, err := DecodeB64("!!! definitely not base64 !!!")
	assert.Error(t, err)
}

func TestURLDataCurrentForm(t *testing.T) {
	d := &URLData{
		OrigB64:   base64.URLEncoding.EncodeToString([]byte("HTTP://Evil.ORG")),
		NormBrief: "te",
	}
	got, err := d.Normalized()
	require.NoError(t, err)
	assert.Equal(t, "http://evil.org/", got)
}

func TestURLDataLegacyForm(t *testing.T) {
	d := &URLData{
		URLOrig:     base64.StdEncoding.EncodeToString([]byte("http://Legacy.ORG/x")),
		URLNormOpts: map[string]bool{"transcode1st": true},
	}
	got, err := d.Normalized()
	require.NoError(t, err)
	assert.Equal(t, "http://legacy.org/x", got)
}

func TestURLDataMalformed(t *testing.T) {
	_, err := (&URLData{}).Normalized()
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = (&URLData{OrigB64: "!!!"}).Normalized()
	assert.ErrorIs(t, err, ErrMalformed)
}
