package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSpec = Spec{
	Section: "aggregator",
	Options: []Option{
		{Name: "amqp_url", Type: Str, Required: true},
		{Name: "queue", Type: Str, Default: "n6pipe-aggregator"},
		{Name: "prefetch", Type: Int, Default: "10"},
		{Name: "mandatory", Type: Bool, Default: "false"},
		{Name: "group_window", Type: Duration, Default: "12h"},
		{Name: "bind_keys", Type: List, Default: "event.parsed.#"},
	},
}

func TestParseTypedGetters(t *testing.T) {
	raw := []byte(`
[aggregator]
amqp_url = amqp://broker:5672/
prefetch = 20
mandatory = true
group_window = 6h30m
bind_keys = event.parsed.#, event.other.#
`)
	sec, err := Parse(raw, testSpec)
	require.NoError(t, err)

	assert.Equal(t, "amqp://broker:5672/", sec.Str("amqp_url"))
	assert.Equal(t, "n6pipe-aggregator", sec.Str("queue"), "default applies")
	assert.Equal(t, 20, sec.Int("prefetch"))
	assert.True(t, sec.Bool("mandatory"))
	assert.Equal(t, 6*time.Hour+30*time.Minute, sec.Dur("group_window"))
	assert.Equal(t, []string{"event.parsed.#", "event.other.#"}, sec.List("bind_keys"))
}

func TestParseUnknownKeyRejected(t *testing.T) {
	raw := []byte(`
[aggregator]
amqp_url = amqp://broker:5672/
typo_key = x
`)
	_, err := Parse(raw, testSpec)
	assert.ErrorContains(t, err, "unknown option")
	assert.ErrorContains(t, err, "typo_key")
}

func TestParseOpenSpecKeepsUnknownKeys(t *testing.T) {
	open := testSpec
	open.Open = true

	raw := []byte(`
[aggregator]
amqp_url = amqp://broker:5672/
extra = kept
`)
	sec, err := Parse(raw, open)
	require.NoError(t, err)
	assert.Equal(t, "kept", sec.Str("extra"))
}

func TestParseMissingRequired(t *testing.T) {
	_, err := Parse([]byte("[aggregator]\nqueue = q\n"), testSpec)
	assert.ErrorContains(t, err, "amqp_url")
}

func TestParseTypeValidation(t *testing.T) {
	base := "[aggregator]\namqp_url = amqp://b/\n"

	for _, tc := range []struct{ line, wantErr string }{
		{"prefetch = not-a-number", "not an integer"},
		{"mandatory = maybe", "not a boolean"},
		{"group_window = fortnight", "not a duration"},
	} {
		_, err := Parse([]byte(base+tc.line+"\n"), testSpec)
		assert.ErrorContains(t, err, tc.wantErr, tc.line)
	}
}

func TestListTrimsAndDropsEmpties(t *testing.T) {
	sec, err := Parse([]byte("[aggregator]\namqp_url = a\nbind_keys = one, ,two ,\n"), testSpec)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, sec.List("bind_keys"))
}

func TestEnvFallback(t *testing.T) {
	t.Setenv("N6_TEST_OPTION", "")
	assert.Equal(t, "fallback", Env("N6_TEST_OPTION", "fallback"))

	t.Setenv("N6_TEST_OPTION", "set")
	assert.Equal(t, "set", Env("N6_TEST_OPTION", "fallback"))
}
