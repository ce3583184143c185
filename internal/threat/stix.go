package threat

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"fever-threatbus/internal/common"
)

// stixObject is the subset of the STIX-2.1 indicator SDO the bridge reads.
type stixObject struct {
	Type        string    `json:"type"`
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Pattern     string    `json:"pattern"`
	PatternType string    `json:"pattern_type"`
	Created     time.Time `json:"created"`
	Modified    time.Time `json:"modified"`
	ValidFrom   time.Time `json:"valid_from"`
}

type stixBundle struct {
	Type    string            `json:"type"`
	Objects []json.RawMessage `json:"objects"`
}

// ParseIndicator decodes a STIX-2 indicator and parses its pattern.
// Every failure is a *common.MalformedIndicatorError.
func ParseIndicator(data []byte) (Indicator, error) {
	var obj stixObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return Indicator{}, &common.MalformedIndicatorError{Reason: "invalid json", Err: err}
	}
	if obj.Type != "indicator" {
		return Indicator{}, &common.MalformedIndicatorError{ID: obj.ID, Reason: fmt.Sprintf("unexpected object type %q", obj.Type)}
	}
	if obj.ID == "" {
		return Indicator{}, &common.MalformedIndicatorError{Reason: "missing id"}
	}
	if obj.Pattern == "" {
		return Indicator{}, &common.MalformedIndicatorError{ID: obj.ID, Reason: "missing pattern"}
	}
	if obj.PatternType == "" {
		// STIX 2.0 indicators carry no pattern_type.
		obj.PatternType = "stix"
	}
	if obj.PatternType != "stix" {
		return Indicator{}, &common.MalformedIndicatorError{ID: obj.ID, Reason: fmt.Sprintf("unsupported pattern type %q", obj.PatternType)}
	}
	cmps, err := ParsePattern(obj.Pattern)
	if err != nil {
		return Indicator{}, &common.MalformedIndicatorError{ID: obj.ID, Reason: "invalid pattern", Err: err}
	}
	return Indicator{
		ID:          obj.ID,
		Name:        obj.Name,
		Pattern:     obj.Pattern,
		PatternType: obj.PatternType,
		Created:     obj.Created,
		Modified:    obj.Modified,
		ValidFrom:   obj.ValidFrom,
		Comparisons: cmps,
		Raw:         append([]byte(nil), data...),
	}, nil
}

// ParseBundle extracts the indicators of a STIX bundle. Non-indicator objects
// are ignored; malformed indicators are returned joined in the error while
// the valid ones are still returned.
func ParseBundle(data []byte) ([]Indicator, error) {
	var b stixBundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if b.Type != "bundle" {
		return nil, fmt.Errorf("decode bundle: unexpected type %q", b.Type)
	}
	var (
		out  []Indicator
		errs []error
	)
	for _, raw := range b.Objects {
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &head); err != nil || head.Type != "indicator" {
			continue
		}
		ind, err := ParseIndicator(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, ind)
	}
	return out, errors.Join(errs...)
}
