// Package occ parses and formats OCC/OSI option symbols.
//
// Format: UNDERLYING[adj digit][YYMMDD][C|P][STRIKE*1000, 8 digits]
// Example: SPY240315C00610000 -> SPY, 2024-03-15, call, 610.000
package occ

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OptionType represents the type of option contract
type OptionType string

const (
	// Call represents a call option contract
	Call OptionType = "call"
	// Put represents a put option contract
	Put OptionType = "put"
)

// Valid reports whether t is Call or Put.
func (t OptionType) Valid() bool {
	return t == Call || t == Put
}

// Letter returns the single-character OCC code ("C" or "P").
func (t OptionType) Letter() string {
	if t == Put {
		return "P"
	}
	return "C"
}

const (
	// StandardMultiplier is the share count of a standard equity option.
	StandardMultiplier = 100
	// MiniMultiplier is the share count of a mini option (adjustment digit 7).
	MiniMultiplier = 10

	// frameLen is YYMMDD + type + 8-digit strike.
	frameLen = 15
	// minSymbolLen is a one-character underlying plus the frame.
	minSymbolLen = frameLen + 1
	// osiRootWidth is the padded root width of the 21-character OSI form.
	osiRootWidth = 6

	miniDigit = '7'
	maxStrikeMillis = 99999999
)

// ErrInvalidSymbol is returned when a string is not a parseable option symbol.
var ErrInvalidSymbol = errors.New("invalid option symbol")

// Symbol is a parsed option symbol.
type Symbol struct {
	Expiration time.Time
	Strike     decimal.Decimal
	Underlying string
	Type       OptionType
	Multiplier int
	// AdjustmentDigit is the digit that followed the root, 0 if none.
	AdjustmentDigit int
	Adjusted        bool
}

// Parse parses an OCC option symbol. Space padding between the root and the
// date is accepted. A trailing digit on the root marks an adjusted contract;
// digit 7 marks a mini contract with a multiplier of 10.
func Parse(raw string) (*Symbol, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if len(s) < minSymbolLen {
		return nil, fmt.Errorf("%w: %q too short", ErrInvalidSymbol, raw)
	}

	frame := s[len(s)-frameLen:]
	root := strings.TrimRight(s[:len(s)-frameLen], " ")
	if root == "" || strings.ContainsAny(root, " \t") {
		return nil, fmt.Errorf("%w: %q has no underlying", ErrInvalidSymbol, raw)
	}

	exp, err := parseDate(frame[0:6])
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidSymbol, raw, err)
	}

	var optType OptionType
	switch frame[6] {
	case 'C':
		optType = Call
	case 'P':
		optType = Put
	default:
		return nil, fmt.Errorf("%w: %q: option type %q is not C or P", ErrInvalidSymbol, raw, frame[6])
	}

	strikeDigits := frame[7:]
	if !isAllDigits(strikeDigits) {
		return nil, fmt.Errorf("%w: %q: strike %q is not 8 digits", ErrInvalidSymbol, raw, strikeDigits)
	}
	millis, err := strconv.ParseInt(strikeDigits, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidSymbol, raw, err)
	}

	sym := &Symbol{
		Underlying: root,
		Expiration: exp,
		Type:       optType,
		Strike:     decimal.New(millis, -3),
		Multiplier: StandardMultiplier,
	}

	// Adjustment digit directly after the root. A bare digit root is kept as is.
	last := root[len(root)-1]
	if len(root) > 1 && last >= '1' && last <= '9' {
		sym.Underlying = root[:len(root)-1]
		sym.AdjustmentDigit = int(last - '0')
		if last == miniDigit {
			sym.Multiplier = MiniMultiplier
		} else {
			sym.Adjusted = true
		}
	}

	return sym, nil
}

// IsOptionSymbol reports whether raw parses as an option symbol.
func IsOptionSymbol(raw string) bool {
	_, err := Parse(raw)
	return err == nil
}

// Format encodes an unadjusted option symbol in compact form
// (no root padding). It is the inverse of Parse. An underlying ending in
// 1-9 is rejected because Parse would read that digit as an adjustment.
func Format(underlying string, expiration time.Time, optType OptionType, strike decimal.Decimal) (string, error) {
	root := strings.ToUpper(strings.TrimSpace(underlying))
	if root == "" {
		return "", fmt.Errorf("%w: empty underlying", ErrInvalidSymbol)
	}
	if last := root[len(root)-1]; len(root) > 1 && last >= '1' && last <= '9' {
		return "", fmt.Errorf("%w: underlying %q ends in an adjustment digit", ErrInvalidSymbol, root)
	}
	if !optType.Valid() {
		return "", fmt.Errorf("%w: option type %q", ErrInvalidSymbol, optType)
	}
	frame, err := encodeFrame(expiration, optType, strike)
	if err != nil {
		return "", err
	}
	return root + frame, nil
}

// String re-encodes the symbol in compact form, including any adjustment digit.
func (s Symbol) String() string {
	frame, err := encodeFrame(s.Expiration, s.Type, s.Strike)
	if err != nil {
		return s.Underlying
	}
	return s.root() + frame
}

// OSI returns the 21-character form with the root space-padded to 6 characters.
func (s Symbol) OSI() string {
	frame, err := encodeFrame(s.Expiration, s.Type, s.Strike)
	if err != nil {
		return s.Underlying
	}
	root := s.root()
	if len(root) < osiRootWidth {
		root += strings.Repeat(" ", osiRootWidth-len(root))
	}
	return root + frame
}

// DisplayName renders e.g. "SPY Mar 15 $610 CALL".
func (s Symbol) DisplayName() string {
	return fmt.Sprintf("%s %s $%s %s",
		s.Underlying, s.Expiration.Format("Jan 02"), s.Strike.String(), strings.ToUpper(string(s.Type)))
}

// ShortName renders e.g. "SPY 3/15 610C".
func (s Symbol) ShortName() string {
	return fmt.Sprintf("%s %d/%d %s%s",
		s.Underlying, int(s.Expiration.Month()), s.Expiration.Day(), s.Strike.String(), s.Type.Letter())
}

// StrikeFloat returns the strike as a float64 for P&L math.
func (s Symbol) StrikeFloat() float64 {
	f, _ := s.Strike.Float64()
	return f
}

// IsMini reports whether this is a mini (10 share) contract.
func (s Symbol) IsMini() bool {
	return s.Multiplier == MiniMultiplier
}

// DaysToExpiration returns calendar days from now's date to expiration,
// negative once expired.
func (s Symbol) DaysToExpiration(now time.Time) int {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return int(s.Expiration.Sub(today).Hours() / 24)
}

// ExpiresOnOrBefore reports whether the contract expires on or before day.
func (s Symbol) ExpiresOnOrBefore(day time.Time) bool {
	return s.DaysToExpiration(day) <= 0
}

func (s Symbol) root() string {
	if s.AdjustmentDigit > 0 {
		return s.Underlying + strconv.Itoa(s.AdjustmentDigit)
	}
	return s.Underlying
}

func encodeFrame(expiration time.Time, optType OptionType, strike decimal.Decimal) (string, error) {
	if strike.IsNegative() {
		return "", fmt.Errorf("%w: negative strike %s", ErrInvalidSymbol, strike)
	}
	millis := strike.Shift(3).Round(0).IntPart()
	if millis > maxStrikeMillis {
		return "", fmt.Errorf("%w: strike %s exceeds 8 digits", ErrInvalidSymbol, strike)
	}
	y := expiration.Year()
	if y < 1990 || y > 2089 {
		return "", fmt.Errorf("%w: expiration year %d outside 1990-2089", ErrInvalidSymbol, y)
	}
	return fmt.Sprintf("%02d%02d%02d%s%08d",
		y%100, int(expiration.Month()), expiration.Day(), optType.Letter(), millis), nil
}

// parseDate parses YYMMDD. Years 90-99 are 1990s, 00-89 are 2000s.
func parseDate(s string) (time.Time, error) {
	if len(s) != 6 || !isAllDigits(s) {
		return time.Time{}, fmt.Errorf("date %q is not YYMMDD", s)
	}
	yy, _ := strconv.Atoi(s[0:2])
	mm, _ := strconv.Atoi(s[2:4])
	dd, _ := strconv.Atoi(s[4:6])

	year := 2000 + yy
	if yy >= 90 {
		year = 1900 + yy
	}
	t := time.Date(year, time.Month(mm), dd, 0, 0, 0, 0, time.UTC)
	// time.Date normalizes out-of-range values; reject anything it had to move.
	if t.Year() != year || int(t.Month()) != mm || t.Day() != dd {
		return time.Time{}, fmt.Errorf("date %q is not a calendar date", s)
	}
	return t, nil
}

// isAllDigits checks if a string contains only digits
func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
