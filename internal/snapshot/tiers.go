package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/mbd888/affiliate/internal/money"
)

// Legacy plan JSON used several names for the same field. Aliases are
// resolved once here; nothing downstream reads the raw blob.
var tierAliases = map[string][]string{
	"level":            {"level", "lvl"},
	"rate_percent":     {"rate_percent", "ratePercent", "rate"},
	"min_sales":        {"min_sales", "minSales", "min_order_amount", "minOrderAmount"},
	"diff_cap_percent": {"diff_cap_percent", "diffCapPercent", "diff_cap"},
	"hold_days":        {"hold_days", "holdDays"},
}

// rawTier is the canonical ingestion shape before decimal conversion.
type rawTier struct {
	Level          int     `validate:"gte=1,lte=100"`
	RatePercent    string  `validate:"required,numeric"`
	MinSales       string  `validate:"omitempty,numeric"`
	DiffCapPercent *string `validate:"omitempty,numeric"`
	HoldDays       int     `validate:"gte=0,lte=3650"`
}

var validate = validator.New()

// ParseTiers decodes a plan's tier JSON, resolving legacy field aliases and
// accepting numbers or numeric strings, and returns tiers sorted by level.
func ParseTiers(blob []byte) ([]Tier, error) {
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(blob, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTier, err)
	}

	raws := make([]rawTier, 0, len(items))
	for i, item := range items {
		var r rawTier
		var err error
		if r.Level, err = intField(item, "level"); err != nil {
			return nil, fmt.Errorf("%w: tier %d: %v", ErrInvalidTier, i, err)
		}
		if r.RatePercent, err = stringField(item, "rate_percent"); err != nil {
			return nil, fmt.Errorf("%w: tier %d: %v", ErrInvalidTier, i, err)
		}
		if r.MinSales, err = stringField(item, "min_sales"); err != nil {
			return nil, fmt.Errorf("%w: tier %d: %v", ErrInvalidTier, i, err)
		}
		capStr, err := stringField(item, "diff_cap_percent")
		if err != nil {
			return nil, fmt.Errorf("%w: tier %d: %v", ErrInvalidTier, i, err)
		}
		if capStr != "" {
			r.DiffCapPercent = &capStr
		}
		if r.HoldDays, err = intField(item, "hold_days"); err != nil {
			return nil, fmt.Errorf("%w: tier %d: %v", ErrInvalidTier, i, err)
		}
		raws = append(raws, r)
	}
	return normalizeTiers(raws)
}

// normalizeTiers validates raw tiers and converts them to the typed schema.
func normalizeTiers(raws []rawTier) ([]Tier, error) {
	seen := make(map[int]bool, len(raws))
	tiers := make([]Tier, 0, len(raws))
	for _, r := range raws {
		if err := validate.Struct(r); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) && len(verrs) > 0 {
				return nil, fmt.Errorf("%w: level %d: field %s failed %s", ErrInvalidTier, r.Level, verrs[0].Field(), verrs[0].Tag())
			}
			return nil, fmt.Errorf("%w: %v", ErrInvalidTier, err)
		}
		if seen[r.Level] {
			return nil, fmt.Errorf("%w: duplicate level %d", ErrInvalidTier, r.Level)
		}
		seen[r.Level] = true

		t := Tier{
			Level:       r.Level,
			RatePercent: decimal.RequireFromString(r.RatePercent),
			MinSales:    decimal.Zero,
			HoldDays:    r.HoldDays,
		}
		if !money.FitsPlaces(t.RatePercent, RatePlaces) {
			return nil, fmt.Errorf("%w: level %d: ratePercent has more than %d decimal places", ErrInvalidTier, r.Level, RatePlaces)
		}
		if r.MinSales != "" {
			t.MinSales = decimal.RequireFromString(r.MinSales)
			if !money.FitsPlaces(t.MinSales, SalesPlaces) {
				return nil, fmt.Errorf("%w: level %d: minSales has more than %d decimal places", ErrInvalidTier, r.Level, SalesPlaces)
			}
		}
		if r.DiffCapPercent != nil {
			c := decimal.RequireFromString(*r.DiffCapPercent)
			if !money.FitsPlaces(c, RatePlaces) {
				return nil, fmt.Errorf("%w: level %d: diffCapPercent has more than %d decimal places", ErrInvalidTier, r.Level, RatePlaces)
			}
			t.DiffCapPercent = &c
		}
		tiers = append(tiers, t)
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].Level < tiers[j].Level })
	return tiers, nil
}

// TierDef is the typed form used by callers that build plans in code.
type TierDef struct {
	Level          int
	RatePercent    string
	MinSales       string
	DiffCapPercent string // empty means uncapped
	HoldDays       int
}

// TiersFromDefs validates defs through the same path as ingested JSON.
func TiersFromDefs(defs ...TierDef) ([]Tier, error) {
	raws := make([]rawTier, len(defs))
	for i, s := range defs {
		raws[i] = rawTier{Level: s.Level, RatePercent: s.RatePercent, MinSales: s.MinSales, HoldDays: s.HoldDays}
		if s.DiffCapPercent != "" {
			c := s.DiffCapPercent
			raws[i].DiffCapPercent = &c
		}
	}
	return normalizeTiers(raws)
}

func lookup(item map[string]json.RawMessage, canonical string) (json.RawMessage, bool) {
	for _, name := range tierAliases[canonical] {
		if v, ok := item[name]; ok && !bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			return v, true
		}
	}
	return nil, false
}

// stringField returns a numeric field as a string, whether it was encoded as a
// JSON number or string. Numbers in exponent form are expanded to plain
// decimals. Missing fields return "".
func stringField(item map[string]json.RawMessage, canonical string) (string, error) {
	v, ok := lookup(item, canonical)
	if !ok {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(v))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return "", fmt.Errorf("%s: not a number", canonical)
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return "", fmt.Errorf("%s: not a number", canonical)
	}
	return d.String(), nil
}

func intField(item map[string]json.RawMessage, canonical string) (int, error) {
	s, err := stringField(item, canonical)
	if err != nil || s == "" {
		return 0, err
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s: not an integer", canonical)
	}
	return n, nil
}
