// Package trigger parses free-text watchlist conditions and evaluates them
// against live quotes.
package trigger

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ConditionType identifies a condition family.
type ConditionType string

// Condition families, in parse order.
const (
	PriceAbove      ConditionType = "price_above"
	PriceBelow      ConditionType = "price_below"
	SupportHold     ConditionType = "support_hold"
	ResistanceBreak ConditionType = "resistance_break"
	DateBefore      ConditionType = "date_before"
	DateAfter       ConditionType = "date_after"
	VolumeAbove     ConditionType = "volume_above"
	Custom          ConditionType = "custom"
)

// Condition is the parsed form of a trigger or invalidation text.
type Condition struct {
	Type ConditionType `json:"type"`
	// Price is the level for price, support and resistance conditions.
	Price float64 `json:"price,omitempty"`
	// Date is UTC midnight of the literal date for date conditions.
	Date time.Time `json:"date,omitempty"`
	// Volume is the threshold as written; a trailing "x" sets Relative.
	Volume     float64 `json:"volume,omitempty"`
	Relative   bool    `json:"relative,omitempty"`
	Confidence float64 `json:"confidence"`
	Raw        string  `json:"raw"`
}

// IsCustom reports whether the text could not be classified.
func (c Condition) IsCustom() bool {
	return c.Type == Custom
}

func (c Condition) String() string {
	switch c.Type {
	case PriceAbove, PriceBelow, SupportHold, ResistanceBreak:
		return fmt.Sprintf("%s %.2f", c.Type, c.Price)
	case DateBefore, DateAfter:
		return fmt.Sprintf("%s %s", c.Type, c.Date.Format("2006-01-02"))
	case VolumeAbove:
		if c.Relative {
			return fmt.Sprintf("%s %gx", c.Type, c.Volume)
		}
		return fmt.Sprintf("%s %g", c.Type, c.Volume)
	default:
		return fmt.Sprintf("%s %q", c.Type, c.Raw)
	}
}

const num = `\$?\s*(\d[\d,]*(?:\.\d+)?)`

type family struct {
	typ        ConditionType
	confidence float64
	patterns   []*regexp.Regexp
}

// periodSuffix follows a number that is a lookback window ("200-day MA",
// "3-month low"), not a price level.
var periodSuffix = regexp.MustCompile(`(?i)^\s*-?\s*(?:days?|weeks?|months?|years?|d|wk|mo|yr|dma|sma|ema|ma)\b`)

// families is evaluated top to bottom; the first matching pattern wins.
var families = []family{
	{PriceAbove, 0.9, []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:breaks?|closes?|moves?|trades?|goes|crosses|rises|gets|is|stays?)\s+(?:back\s+)?(?:above|over)\s+` + num),
		regexp.MustCompile(`(?i)^\s*(?:price\s+)?(?:above|over|>=?)\s*` + num),
		regexp.MustCompile(`(?i)\bprice\s*(?:>=?|above|over)\s*` + num),
	}},
	{PriceBelow, 0.9, []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:breaks?|closes?|moves?|trades?|goes|crosses|falls?|drops?|dips?|gets|is|stays?)\s+(?:back\s+)?(?:below|under|beneath)\s+` + num),
		regexp.MustCompile(`(?i)^\s*(?:price\s+)?(?:below|under|<=?)\s*` + num),
		regexp.MustCompile(`(?i)\bprice\s*(?:<=?|below|under)\s*` + num),
		// losing a support level is a breakdown, not a hold
		regexp.MustCompile(`(?i)\b(?:loses?|lost|fails?\s+to\s+hold)\s+(?:the\s+)?(?:support\s+(?:at|of|near|around)?\s*)?` + num),
		regexp.MustCompile(`(?i)\bbreaks?\s+(?:the\s+)?support\s+(?:at|of|near|around)?\s*` + num),
		regexp.MustCompile(`(?i)\bbreaks?\s+(?:the\s+)?` + num + `\s+support\b`),
	}},
	{SupportHold, 0.7, []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bsupport\b[^$\d]{0,30}` + num),
		regexp.MustCompile(`(?i)` + num + `\s+support\b`),
		regexp.MustCompile(`(?i)\bholds?\s+(?:at|near|around)\s+` + num),
	}},
	{ResistanceBreak, 0.7, []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bresistance\b[^$\d]{0,30}` + num),
		regexp.MustCompile(`(?i)` + num + `\s+resistance\b`),
	}},
	{DateBefore, 0.8, []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:before|by|until|prior\s+to)\s+(\d{4}-\d{1,2}-\d{1,2}|\d{1,2}/\d{1,2}/\d{4})`),
	}},
	{DateAfter, 0.8, []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:after|past|following)\s+(\d{4}-\d{1,2}-\d{1,2}|\d{1,2}/\d{1,2}/\d{4})`),
	}},
	{VolumeAbove, 0.5, []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bvolume\s+(?:is\s+)?(?:above|over|exceeds?|>|greater\s+than)\s*(\d[\d,]*(?:\.\d+)?)\s*([kmx]?)\b`),
	}},
}

// Parse classifies text. Unrecognized or empty text yields a Custom condition
// with zero confidence.
func Parse(text string) Condition {
	raw := strings.TrimSpace(text)
	for _, f := range families {
		for _, re := range f.patterns {
			idx := re.FindStringSubmatchIndex(raw)
			if idx == nil {
				continue
			}
			if isPriceLevel(f.typ) && periodSuffix.MatchString(raw[idx[3]:]) {
				continue
			}
			m := make([]string, len(idx)/2)
			for i := range m {
				if idx[2*i] >= 0 {
					m[i] = raw[idx[2*i]:idx[2*i+1]]
				}
			}
			c, ok := build(f, m)
			if !ok {
				continue
			}
			c.Raw = raw
			return c
		}
	}
	return Condition{Type: Custom, Raw: raw}
}

func isPriceLevel(t ConditionType) bool {
	switch t {
	case PriceAbove, PriceBelow, SupportHold, ResistanceBreak:
		return true
	}
	return false
}

func build(f family, m []string) (Condition, bool) {
	c := Condition{Type: f.typ, Confidence: f.confidence}
	switch f.typ {
	case DateBefore, DateAfter:
		d, err := parseDate(m[1])
		if err != nil {
			return Condition{}, false
		}
		c.Date = d
	case VolumeAbove:
		v, err := parseNumber(m[1])
		if err != nil {
			return Condition{}, false
		}
		switch strings.ToLower(m[2]) {
		case "k":
			v *= 1_000
		case "m":
			v *= 1_000_000
		case "x":
			c.Relative = true
		}
		c.Volume = v
	default:
		p, err := parseNumber(m[1])
		if err != nil || p <= 0 {
			return Condition{}, false
		}
		c.Price = p
	}
	return c, true
}

func parseNumber(s string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{"2006-1-2", "1/2/2006"} {
		if d, err := time.Parse(layout, s); err == nil {
			return d, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}
