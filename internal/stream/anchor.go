package stream

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrBadRequest marks client-caused failures (unparsable dates, malformed
// ids). The HTTP layer maps it to 400 before any query executes.
var ErrBadRequest = errors.New("bad request")

type AnchorKind int

const (
	AnchorID AnchorKind = iota
	AnchorDate
	AnchorFirst
	AnchorLast
)

type Direction int

const (
	Older Direction = iota
	Newer
)

// Anchor is the normalized pagination reference point. SearchDescending is
// the repository scan order that makes the anchor a range boundary; it is
// not necessarily the display order.
type Anchor struct {
	Kind             AnchorKind
	ID               int64
	Date             time.Time
	Direction        Direction
	SearchDescending bool
}

// Page is the offset range applied to the filtered, sorted result.
type Page struct {
	Start int
	Limit int
}

// param returns the first value for name, matched case-insensitively.
// The endpoint contract accepts aliases like afterid / afterID / AfterId.
func param(values url.Values, name string) string {
	if v := values.Get(name); v != "" {
		return v
	}
	for key, vals := range values {
		if strings.EqualFold(key, name) && len(vals) > 0 {
			return vals[0]
		}
	}
	return ""
}

// ResolveAnchor parses the mutually-exclusive pagination parameters into an
// Anchor. Conflicting parameters are not rejected; a fixed precedence
// applies: id anchors, then date anchors, then from=first/last. The
// original resolved conflicts by incidental branch order; the precedence
// here is explicit and deterministic.
func ResolveAnchor(values url.Values) (Anchor, error) {
	if raw := param(values, "afterId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Anchor{}, fmt.Errorf("%w: afterId %q is not an integer", ErrBadRequest, raw)
		}
		return Anchor{Kind: AnchorID, ID: id, Direction: Newer, SearchDescending: false}, nil
	}
	if raw := param(values, "beforeId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Anchor{}, fmt.Errorf("%w: beforeId %q is not an integer", ErrBadRequest, raw)
		}
		return Anchor{Kind: AnchorID, ID: id, Direction: Older, SearchDescending: true}, nil
	}
	if raw := param(values, "afterDate"); raw != "" {
		date, err := parseDate(raw)
		if err != nil {
			return Anchor{}, err
		}
		return Anchor{Kind: AnchorDate, Date: date, Direction: Newer, SearchDescending: false}, nil
	}
	if raw := param(values, "beforeDate"); raw != "" {
		date, err := parseDate(raw)
		if err != nil {
			return Anchor{}, err
		}
		return Anchor{Kind: AnchorDate, Date: date, Direction: Older, SearchDescending: true}, nil
	}
	if strings.EqualFold(param(values, "from"), "first") {
		return Anchor{Kind: AnchorFirst, Direction: Newer, SearchDescending: false}, nil
	}
	// from=last and unspecified both page backwards from the end
	return Anchor{Kind: AnchorLast, Direction: Older, SearchDescending: true}, nil
}

// ResolvePage reads start/limit with defaults and clamping. Out-of-range
// values are clamped, never rejected.
func ResolvePage(values url.Values, defaultLimit, maxLimit int) Page {
	page := Page{Start: 0, Limit: defaultLimit}

	if raw := param(values, "start"); raw != "" {
		if start, err := strconv.Atoi(raw); err == nil {
			page.Start = start
		}
	}
	if raw := param(values, "limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil {
			page.Limit = limit
		}
	}

	if page.Start < 0 {
		page.Start = 0
	}
	if page.Limit < 0 {
		page.Limit = 0
	}
	if page.Limit > maxLimit {
		page.Limit = maxLimit
	}
	return page
}

// parseDate accepts a numeric epoch offset (seconds, fractional allowed) or
// an ISO-8601 string with millisecond precision.
func parseDate(raw string) (time.Time, error) {
	if epoch, err := strconv.ParseFloat(raw, 64); err == nil {
		sec, frac := math.Modf(epoch)
		return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC(), nil
	}
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.000", // zone-less ISO-8601, treated as UTC
	}
	for _, layout := range layouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unparsable date %q", ErrBadRequest, raw)
}
