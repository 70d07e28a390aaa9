// Package symbol encodes synthetic derivative positions into the plain
// position key used by the ledger, and decodes them back.
//
// Formats:
//
//	AAPL              spot holding
//	AAPL::LEV:LONG:10x leveraged position, side LONG|SHORT, leverage 1..50
//	AAPL::OPT:CALL     option position, side CALL|PUT
//
// The encoded key is only a storage-boundary format; everything above the
// store works with the Instrument value.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Kind discriminates the instrument held by a position.
type Kind string

const (
	Spot      Kind = "SPOT"
	Leveraged Kind = "LEVERAGED"
	Option    Kind = "OPTION"
)

// Sides.
const (
	Long  = "LONG"
	Short = "SHORT"
	Call  = "CALL"
	Put   = "PUT"
)

// Leverage bounds, applied on both encode and decode.
const (
	MinLeverage = 1
	MaxLeverage = 50
)

const separator = "::"

var (
	levRegex = regexp.MustCompile(`^LEV:([A-Z]+):(-?[0-9]+)X$`)
	optRegex = regexp.MustCompile(`^OPT:([A-Z]+)$`)
)

var (
	ErrEmptyBase   = errors.New("symbol: base ticker is required")
	ErrInvalidBase = errors.New("symbol: base ticker must not contain '::'")
	ErrInvalidKind = errors.New("symbol: unsupported instrument kind")
	ErrInvalidSide = errors.New("symbol: invalid side for instrument kind")
)

// Instrument is the decoded form of a position key.
type Instrument struct {
	Base     string `json:"base"`
	Kind     Kind   `json:"kind"`
	Side     string `json:"side,omitempty"`
	Leverage int    `json:"leverage,omitempty"`
}

// IsSynthetic reports whether the instrument is a leveraged or option position.
func (i Instrument) IsSynthetic() bool {
	return i.Kind == Leveraged || i.Kind == Option
}

// Tag returns the suffix form without the base: "LEV:LONG:10x", "OPT:PUT"
// or "SPOT".
func (i Instrument) Tag() string {
	switch i.Kind {
	case Leveraged:
		return fmt.Sprintf("LEV:%s:%dx", i.Side, ClampLeverage(i.Leverage))
	case Option:
		return "OPT:" + i.Side
	default:
		return string(Spot)
	}
}

// Direction is +1 for LONG/CALL exposure and -1 for SHORT/PUT.
func (i Instrument) Direction() int {
	if i.Side == Short || i.Side == Put {
		return -1
	}
	return 1
}

// NormalizeBase trims and upper-cases a ticker.
func NormalizeBase(base string) string {
	return strings.ToUpper(strings.TrimSpace(base))
}

// ClampLeverage bounds a leverage factor to [MinLeverage, MaxLeverage].
func ClampLeverage(lev int) int {
	if lev < MinLeverage {
		return MinLeverage
	}
	if lev > MaxLeverage {
		return MaxLeverage
	}
	return lev
}

// New builds a validated instrument. Leverage is clamped for LEVERAGED and
// ignored for the other kinds.
func New(base string, kind Kind, side string, leverage int) (Instrument, error) {
	base = NormalizeBase(base)
	side = strings.ToUpper(strings.TrimSpace(side))
	if base == "" {
		return Instrument{}, ErrEmptyBase
	}
	if strings.Contains(base, separator) {
		return Instrument{}, fmt.Errorf("%w: %s", ErrInvalidBase, base)
	}

	switch kind {
	case Spot:
		return Instrument{Base: base, Kind: Spot}, nil
	case Leveraged:
		if side != Long && side != Short {
			return Instrument{}, fmt.Errorf("%w: %s %s", ErrInvalidSide, kind, side)
		}
		return Instrument{Base: base, Kind: Leveraged, Side: side, Leverage: ClampLeverage(leverage)}, nil
	case Option:
		if side != Call && side != Put {
			return Instrument{}, fmt.Errorf("%w: %s %s", ErrInvalidSide, kind, side)
		}
		return Instrument{Base: base, Kind: Option, Side: side}, nil
	default:
		return Instrument{}, fmt.Errorf("%w: %s", ErrInvalidKind, kind)
	}
}

// Encode renders the storage key for an instrument.
func Encode(i Instrument) string {
	base := NormalizeBase(i.Base)
	switch i.Kind {
	case Leveraged:
		return fmt.Sprintf("%s%sLEV:%s:%dx", base, separator, strings.ToUpper(i.Side), ClampLeverage(i.Leverage))
	case Option:
		return fmt.Sprintf("%s%sOPT:%s", base, separator, strings.ToUpper(i.Side))
	default:
		return base
	}
}

// Decode parses a storage key. Keys without a recognised suffix, or without
// a base, decode to a spot instrument on the part before "::"; decoding
// never fails.
func Decode(key string) Instrument {
	base, suffix, found := strings.Cut(strings.TrimSpace(key), separator)
	base = NormalizeBase(base)
	spot := Instrument{Base: base, Kind: Spot}
	if !found || base == "" {
		return spot
	}

	suffix = strings.ToUpper(suffix)
	if m := levRegex.FindStringSubmatch(suffix); m != nil {
		if m[1] != Long && m[1] != Short {
			return spot
		}
		return Instrument{Base: base, Kind: Leveraged, Side: m[1], Leverage: parseLeverage(m[2])}
	}
	if m := optRegex.FindStringSubmatch(suffix); m != nil {
		if m[1] != Call && m[1] != Put {
			return spot
		}
		return Instrument{Base: base, Kind: Option, Side: m[1]}
	}
	return spot
}

// Base returns the underlying ticker of a storage key.
func Base(key string) string {
	return Decode(key).Base
}

func parseLeverage(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		// Out of int range: keep the sign, clamp the magnitude.
		if strings.HasPrefix(s, "-") {
			return MinLeverage
		}
		return MaxLeverage
	}
	return ClampLeverage(n)
}
