package types

import "time"

// Link is one unique outbound URL discovered on a page.
type Link struct {
	URL   string
	Count int
	// Text is the first non-empty anchor text seen for URL.
	Text string
}

// LinkSet groups the anchors of a rendered page by origin.
type LinkSet struct {
	Internal []Link
	External []Link
	// Total counts every internal anchor, duplicates included.
	Total int
	// Unique counts distinct internal URLs.
	Unique int
}

// Visit is the record kept for every page the crawler emits.
type Visit struct {
	RunID         string
	URL           string
	FinalURL      string
	Level         int
	StatusCode    int
	InternalLinks int
	ExternalLinks int
	LoadDuration  time.Duration
	VisitedAt     time.Time
}
