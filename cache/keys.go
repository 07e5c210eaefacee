package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// ExtractionKey derives the extraction cache key from the transcript.
// The transcript itself never appears in the key.
func ExtractionKey(transcriptText string) string {
	sum := sha256.Sum256([]byte(transcriptText))
	return hex.EncodeToString(sum[:])
}

// RecommendationKey derives the recommendation cache key from the
// sorted condition codes plus an age bucket and sex. Demographics are
// dropped from the key material when both are absent, so callers that
// never supply them and callers that supply empty demographics hash to
// the same key.
func RecommendationKey(conditionCodes []string, age *int, sex *string) string {
	codes := make([]string, len(conditionCodes))
	copy(codes, conditionCodes)
	sort.Strings(codes)

	material := strings.Join(codes, ",")
	if age != nil || sex != nil {
		bucket := "-"
		if age != nil {
			bucket = strconv.Itoa(ageBucket(*age))
		}
		s := "-"
		if sex != nil {
			s = *sex
		}
		material += "|" + bucket + "|" + s
	}

	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}

// ageBucket groups ages into decades so near-identical demographics
// share cache entries.
func ageBucket(age int) int {
	if age < 0 {
		return 0
	}
	return age / 10 * 10
}

// keyHashForAudit truncates a key hash to 16 hex chars for audit
// records.
func keyHashForAudit(key string) string {
	if len(key) > 16 {
		return key[:16]
	}
	return key
}
