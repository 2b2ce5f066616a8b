package repair

import (
	"strings"
	"time"

	"forge/internal/types"
)

// KnownPattern is a previously verified fix, cached so the same failure can
// be repaired without another model round trip. Patterns are keyed by the
// first few words of the failure reason; only verified fixes are promoted.
type KnownPattern struct {
	TestType  string    `json:"test_type"` // concrete type or "any"
	FixType   string    `json:"fix_type"`
	FixedCode string    `json:"fixed_code"`
	Analysis  string    `json:"analysis"`
	AddedAt   time.Time `json:"added_at"`
}

// patternKeyWords bounds the pattern key length.
const patternKeyWords = 5

// patternKey derives the cache key from a failure reason: its first five
// words, lowercased.
func patternKey(failureReason string) string {
	words := strings.Fields(strings.ToLower(failureReason))
	if len(words) > patternKeyWords {
		words = words[:patternKeyWords]
	}
	return strings.Join(words, " ")
}

// matchPattern finds a cached pattern whose key is a prefix of the failure
// reason and whose test type is compatible.
func matchPattern(patterns map[string]*KnownPattern, failureReason string, testType types.TestType) (*KnownPattern, bool) {
	lower := strings.ToLower(failureReason)
	for key, p := range patterns {
		if key == "" || !strings.Contains(lower, key) {
			continue
		}
		if p.TestType != "any" && p.TestType != string(testType) {
			continue
		}
		return p, true
	}
	return nil, false
}
