package collector

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/mmcdole/gofeed"
)

// RSSState is the persisted snapshot of a feed: the set of item keys
// seen on the previous run.
type RSSState struct {
	Items []string `json:"items"`
}

// RSSCollector publishes only the set difference between the current
// feed content and the last persisted snapshot.
type RSSCollector struct {
	SourceID  string
	Name      string
	FetchBody func() ([]byte, error)

	pending *RSSState
}

func (c *RSSCollector) Source() string    { return c.SourceID }
func (c *RSSCollector) StateName() string { return c.Name }

// itemKey makes a feed entry hashable: guid when present, else
// link + title.
func itemKey(it *gofeed.Item) string {
	if it.GUID != "" {
		return it.GUID
	}
	return it.Link + "|" + it.Title
}

// Collect fetches the feed and returns one message carrying the new
// entries, or nil when the snapshot is unchanged.
func (c *RSSCollector) Collect(store *Store) (*Message, error) {
	body, err := c.FetchBody()
	if err != nil {
		return nil, err
	}

	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rss: parse %s: %w", c.SourceID, err)
	}

	var prev RSSState
	if _, err := store.Load(c.SourceID, c.Name, &prev); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(prev.Items))
	for _, k := range prev.Items {
		seen[k] = struct{}{}
	}

	var freshLines []string
	current := make([]string, 0, len(feed.Items))
	for _, it := range feed.Items {
		key := itemKey(it)
		current = append(current, key)
		if _, ok := seen[key]; ok {
			continue
		}
		freshLines = append(freshLines, fmt.Sprintf("%s %s", it.Link, it.Title))
	}
	sort.Strings(current)

	c.pending = &RSSState{Items: current}
	if len(freshLines) == 0 {
		return nil, nil
	}
	return &Message{
		Body:        []byte(strings.Join(freshLines, "\n")),
		Type:        TypeFile,
		ContentType: "text/plain",
	}, nil
}

// Commit persists the snapshot taken by the last Collect.
func (c *RSSCollector) Commit(store *Store) error {
	if c.pending == nil {
		return nil
	}
	if err := store.Save(c.SourceID, c.Name, c.pending); err != nil {
		return err
	}
	c.pending = nil
	return nil
}
