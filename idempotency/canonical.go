package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// CanonicalHash produces the stable SHA-256 fingerprint of a request
// body. The body is round-tripped through a generic JSON value so that
// object keys serialize sorted, condition-code lists are sorted, and
// timestamps are normalized to UTC. Two logically identical bodies
// always hash identically regardless of field order.
func CanonicalHash(body interface{}) (string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}

	canonical := canonicalize(generic, "")

	// encoding/json serializes map keys in sorted order.
	out, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}

	sum := sha256.Sum256(out)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalize walks the generic JSON value. Condition-code lists are
// order-insensitive, so they are sorted; other arrays keep their order.
// RFC 3339 strings are normalized to UTC.
func canonicalize(v interface{}, field string) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			out[k] = canonicalize(inner, k)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = canonicalize(inner, field)
		}
		if field == "conditionCodes" {
			sort.Slice(out, func(i, j int) bool {
				a, _ := out[i].(string)
				b, _ := out[j].(string)
				return a < b
			})
		}
		return out
	case string:
		if t, err := time.Parse(time.RFC3339, val); err == nil {
			return t.UTC().Format(time.RFC3339Nano)
		}
		return val
	default:
		return v
	}
}
