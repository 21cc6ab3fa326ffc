package dedup

import "horse.fit/clearoid/internal/normalize"

// UniqueRow is the first occurrence of a normalized group in a batch.
// Index is the 0-based position in the submitted rows.
type UniqueRow struct {
	Index      int
	Raw        string
	Normalized string
}

// TextClusters maps normalized text to every raw row that produced it, in
// first-seen order.
type TextClusters struct {
	order   []string
	members map[string][]string
}

func newTextClusters() *TextClusters {
	return &TextClusters{members: make(map[string][]string)}
}

func (c *TextClusters) add(normalized, raw string) bool {
	existing, seen := c.members[normalized]
	if !seen {
		c.order = append(c.order, normalized)
	}
	c.members[normalized] = append(existing, raw)
	return !seen
}

// Keys returns normalized texts in first-seen order.
func (c *TextClusters) Keys() []string {
	return append([]string(nil), c.order...)
}

func (c *TextClusters) Members(normalized string) []string {
	return append([]string(nil), c.members[normalized]...)
}

// Len is the number of groups.
func (c *TextClusters) Len() int {
	return len(c.order)
}

// Rows is the number of raw rows across all groups.
func (c *TextClusters) Rows() int {
	total := 0
	for _, members := range c.members {
		total += len(members)
	}
	return total
}

// Map returns groups with at least minSize members.
func (c *TextClusters) Map(minSize int) map[string][]string {
	out := make(map[string][]string)
	for _, key := range c.order {
		members := c.members[key]
		if len(members) < minSize {
			continue
		}
		out[key] = append([]string(nil), members...)
	}
	return out
}

// DedupeBatch is the purely textual first pass over batch rows. Rows that
// normalize to "" are dropped from both outputs.
func DedupeBatch(n normalize.Normalizer, rows []string) ([]UniqueRow, *TextClusters) {
	clusters := newTextClusters()
	unique := make([]UniqueRow, 0, len(rows))
	for i, raw := range rows {
		normalized := n.Normalize(raw)
		if normalized == "" {
			continue
		}
		if clusters.add(normalized, raw) {
			unique = append(unique, UniqueRow{Index: i, Raw: raw, Normalized: normalized})
		}
	}
	return unique, clusters
}
