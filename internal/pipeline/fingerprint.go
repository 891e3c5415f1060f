package pipeline

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
)

// SKUFingerprint derives a stable identity for what a project sources, from
// the product_category, material, and specs fields of a verified snapshot.
// Same inputs always hash to the same fingerprint.
func SKUFingerprint(snapshot json.RawMessage) string {
	parts := make([]string, 0, 3)
	for _, key := range []string{"product_category", "material", "specs"} {
		raw, _ := snapshotField(snapshot, key)
		parts = append(parts, safeString(raw))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// safeString renders a JSON value deterministically: strings verbatim,
// numbers and booleans via their canonical form, anything else as compact
// JSON. Missing values become the empty string.
func safeString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return strconv.FormatBool(b)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
