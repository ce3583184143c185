package threat

import (
	"context"
	"time"
)

// Indicator is a STIX-2 indicator as received from the bus.
type Indicator struct {
	ID          string
	Name        string
	Pattern     string
	PatternType string
	Created     time.Time
	Modified    time.Time
	ValidFrom   time.Time
	// Comparisons holds the pattern's comparison expressions in the order
	// they appear in the pattern.
	Comparisons []Comparison
	Raw         []byte
}

// Comparison is a single `object-path operator value` term of a STIX pattern.
type Comparison struct {
	ObjectPath string
	Operator   string
	Negated    bool
	// Value is the decoded literal. Only string literals set Literal.
	Value   string
	Literal bool
}

// Pair is an allow-listed object path with the value to insert into the matcher.
type Pair struct {
	ObjectPath string
	Value      string
}

// IndicatorFetcher fetches indicators from a source.
type IndicatorFetcher interface {
	Name() string
	Fetch(ctx context.Context) ([]Indicator, error)
}

// IndicatorStore persists or forwards indicators.
type IndicatorStore interface {
	SaveIndicators(ctx context.Context, indicators []Indicator) error
}
