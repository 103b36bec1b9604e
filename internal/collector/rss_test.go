package collector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedXML(items string) []byte {
	return []byte(`<?xml version="1.0"?>
<rss version="2.0"><channel><title>advisories</title>` + items + `</channel></rss>`)
}

const itemOne = `<item><guid>adv-1</guid><title>First advisory</title><link>https://example.org/1</link></item>`
const itemTwo = `<item><guid>adv-2</guid><title>Second advisory</title><link>https://example.org/2</link></item>`

func TestRSSCollectorPublishesOnlyNewItems(t *testing.T) {
	store := &Store{Dir: t.TempDir()}
	body := feedXML(itemOne)
	c := &RSSCollector{
		SourceID:  "vendor.rss",
		Name:      "VendorRSS",
		FetchBody: func() ([]byte, error) { return body, nil },
	}

	msg, err := c.Collect(store)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "https://example.org/1 First advisory", string(msg.Body))
	require.NoError(t, c.Commit(store))

	// Unchanged feed: nothing fresh.
	msg, err = c.Collect(store)
	require.NoError(t, err)
	assert.Nil(t, msg)
	require.NoError(t, c.Commit(store))

	// One new entry: only it is published.
	body = feedXML(itemOne + itemTwo)
	msg, err = c.Collect(store)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "https://example.org/2 Second advisory", string(msg.Body))
}

func TestRSSCollectorBadFeed(t *testing.T) {
	c := &RSSCollector{
		SourceID:  "vendor.rss",
		Name:      "VendorRSS",
		FetchBody: func() ([]byte, error) { return []byte("<html>not a feed</html>"), nil },
	}
	_, err := c.Collect(&Store{Dir: t.TempDir()})
	assert.Error(t, err)
}
