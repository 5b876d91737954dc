// Package normalize maps loosely structured scrape output onto the canonical
// listing shape and scores how complete the mapping was.
package normalize

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/cararth/listing-ingestion-service/internal/models"
)

const (
	baseline       = 0.9
	priceMissing   = 0.4
	imagesMissing  = 0.3
	contactMissing = 0.2
)

type scope int

const (
	extracted scope = iota
	attributes
)

type candidate struct {
	scope scope
	key   string
}

// Candidate keys per canonical field, in priority order
var (
	titleKeys   = []candidate{{extracted, "title"}, {attributes, "title"}, {extracted, "name"}}
	priceKeys   = []candidate{{extracted, "price"}, {extracted, "price_inr"}, {extracted, "price_amount"}, {attributes, "price"}}
	makeKeys    = []candidate{{extracted, "make"}, {extracted, "brand"}}
	modelKeys   = []candidate{{extracted, "model"}}
	yearKeys    = []candidate{{extracted, "year"}}
	mileageKeys = []candidate{{extracted, "mileage"}, {extracted, "kms"}}
	cityKeys    = []candidate{{extracted, "city"}, {attributes, "city"}, {extracted, "location"}}
	imageKeys   = []candidate{{extracted, "images"}, {attributes, "images"}}
	contactKeys = []candidate{{extracted, "contact"}, {attributes, "contact"}, {extracted, "seller_phone"}}
)

var yearPattern = regexp.MustCompile(`\b(19|20|21)\d{2}\b`)

// Normalize returns the canonical listing and its confidence in [0,1].
// It never fails: anything unusable becomes an absent field and a penalty.
func Normalize(raw models.RawListing) (models.NormalizedListing, float64) {
	n := models.NormalizedListing{
		Title:   lookupString(raw, titleKeys),
		Make:    lookupString(raw, makeKeys),
		Model:   lookupString(raw, modelKeys),
		Year:    lookupYear(raw),
		Price:   lookupPrice(raw),
		Mileage: lookupMileage(raw),
		City:    lookupString(raw, cityKeys),
		Images:  lookupImages(raw),
		Contact: lookupString(raw, contactKeys),
	}

	confidence := baseline
	if n.Price == nil {
		confidence -= priceMissing
	}
	if len(n.Images) == 0 {
		confidence -= imagesMissing
	}
	if n.Contact == "" {
		confidence -= contactMissing
	}
	return n, models.ClampScore(confidence)
}

func source(raw models.RawListing, s scope) map[string]any {
	if s == attributes {
		return raw.Attributes
	}
	return raw.Extracted
}

// first returns the first present, non-empty candidate value
func first(raw models.RawListing, keys []candidate) (any, bool) {
	for _, c := range keys {
		v, ok := source(raw, c.scope)[c.key]
		if !ok || v == nil {
			continue
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			continue
		}
		if l, isList := v.([]any); isList && len(l) == 0 {
			continue
		}
		return v, true
	}
	return nil, false
}

func asString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		return s, s != ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int, int64, int32:
		return fmt.Sprint(t), true
	case bool, []any, map[string]any:
		return "", false
	default:
		return strings.TrimSpace(fmt.Sprint(t)), true
	}
}

func lookupString(raw models.RawListing, keys []candidate) string {
	v, ok := first(raw, keys)
	if !ok {
		return ""
	}
	s, _ := asString(v)
	return s
}

// lookupPrice keeps only digits; "₹4,50,000" becomes 450000
func lookupPrice(raw models.RawListing) *int64 {
	v, ok := first(raw, priceKeys)
	if !ok {
		return nil
	}

	var digits string
	if f, isFloat := v.(float64); isFloat {
		if f <= 0 || f >= math.MaxInt64 {
			return nil
		}
		digits = strconv.FormatInt(int64(f), 10)
	} else {
		s, ok := asString(v)
		if !ok {
			return nil
		}
		digits = onlyDigits(s)
	}
	if digits == "" {
		return nil
	}

	p, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || p <= 0 {
		return nil
	}
	return &p
}

func lookupYear(raw models.RawListing) int {
	v, ok := first(raw, yearKeys)
	if !ok {
		return 0
	}
	s, ok := asString(v)
	if !ok {
		return 0
	}
	m := yearPattern.FindString(s)
	if m == "" {
		return 0
	}
	y, _ := strconv.Atoi(m)
	if y < 1900 || y > 2100 {
		return 0
	}
	return y
}

func lookupMileage(raw models.RawListing) int {
	v, ok := first(raw, mileageKeys)
	if !ok {
		return 0
	}
	if f, isFloat := v.(float64); isFloat {
		if f < 0 || f > math.MaxInt32 {
			return 0
		}
		return int(f)
	}
	s, ok := asString(v)
	if !ok {
		return 0
	}
	m, err := strconv.Atoi(onlyDigits(s))
	if err != nil {
		return 0
	}
	return m
}

func lookupImages(raw models.RawListing) []string {
	v, ok := first(raw, imageKeys)
	if !ok {
		return []string{}
	}

	images := []string{}
	switch t := v.(type) {
	case []string:
		for _, u := range t {
			if u = strings.TrimSpace(u); u != "" {
				images = append(images, u)
			}
		}
	case []any:
		for _, item := range t {
			if u, ok := item.(string); ok && strings.TrimSpace(u) != "" {
				images = append(images, strings.TrimSpace(u))
			}
		}
	case string:
		images = append(images, strings.TrimSpace(t))
	}
	return images
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
