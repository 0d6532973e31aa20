package ml

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/spf13/cast"
	"golang.org/x/text/cases"
)

// Reasons a supplied field was dropped during preparation.
const (
	SkipUnparseable = "unparseable"
	SkipNonFinite   = "non-finite"
	SkipDuplicate   = "duplicate"
)

type SkippedField struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// PreparedInput is RawInput aligned to the feature order. Missing entries of
// Vector are NaN and left for the imputer.
type PreparedInput struct {
	Vector   []float64
	Supplied []string
	Missing  []string
	Skipped  []SkippedField
	Unknown  []string
}

// canonicalKey is the matching rule between input keys and feature names:
// surrounding whitespace is trimmed and the rest is Unicode case folded.
func canonicalKey(key string) string {
	return cases.Fold().String(strings.TrimSpace(key))
}

// coerce turns a loosely typed scalar into a float. ok is false when the value
// counts as not supplied; reason is set when it was supplied but unusable.
func coerce(value interface{}) (v float64, ok bool, reason string) {
	if value == nil {
		return 0, false, ""
	}
	if s, isString := value.(string); isString {
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, false, ""
		}
		value = s
	}
	f, err := cast.ToFloat64E(value)
	if err != nil {
		return 0, false, SkipUnparseable
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false, SkipNonFinite
	}
	return f, true, ""
}

type candidate struct {
	key   string
	value float64
}

// prepare is a pure function of the input and the feature order.
func prepare(input map[string]interface{}, features []string, index map[string]int) PreparedInput {
	prepared := PreparedInput{Vector: make([]float64, len(features))}
	for i := range prepared.Vector {
		prepared.Vector[i] = math.NaN()
	}

	keys := make([]string, 0, len(input))
	for key := range input {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	chosen := make(map[int]candidate, len(features))
	for _, key := range keys {
		value, ok, reason := coerce(input[key])
		if !ok {
			if reason != "" {
				prepared.Skipped = append(prepared.Skipped, SkippedField{Key: key, Reason: reason})
			}
			continue
		}
		idx, known := index[canonicalKey(key)]
		if !known {
			prepared.Unknown = append(prepared.Unknown, key)
			continue
		}
		prev, taken := chosen[idx]
		switch {
		case !taken:
			chosen[idx] = candidate{key: key, value: value}
		case key == features[idx] && prev.key != features[idx]:
			prepared.Skipped = append(prepared.Skipped, SkippedField{Key: prev.key, Reason: SkipDuplicate})
			chosen[idx] = candidate{key: key, value: value}
		default:
			prepared.Skipped = append(prepared.Skipped, SkippedField{Key: key, Reason: SkipDuplicate})
		}
	}

	for i, name := range features {
		if c, ok := chosen[i]; ok {
			prepared.Vector[i] = c.value
			prepared.Supplied = append(prepared.Supplied, name)
		} else {
			prepared.Missing = append(prepared.Missing, name)
		}
	}
	return prepared
}

// requiredFeatures is ceil(n * ratio); the epsilon keeps products such as
// 10 * 0.3 from rounding up past the intended integer.
func requiredFeatures(n int, ratio float64) int {
	return int(math.Ceil(float64(n)*ratio - 1e-9))
}

func insufficientDataError(prepared PreparedInput, required, total int, ratio float64) error {
	return fmt.Errorf("%w: need at least %d of %d features (%.0f%%), got %d; missing: %s",
		ErrInsufficientData, required, total, ratio*100, len(prepared.Supplied), strings.Join(prepared.Missing, ", "))
}
