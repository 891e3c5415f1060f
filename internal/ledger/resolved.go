package ledger

import (
	"encoding/json"
	"time"

	"verisource/api/internal/store"
)

// ResolvedField is one field's winning claim inside a resolved view.
type ResolvedField struct {
	ClaimID    string          `json:"claim_id"`
	FieldKey   string          `json:"field_key"`
	Value      json.RawMessage `json:"value"`
	ClaimType  store.ClaimType `json:"claim_type"`
	Confidence *float64        `json:"confidence"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ResolvedView maps each field key to the most recently created claim for it
// under one version.
type ResolvedView struct {
	VersionID string                   `json:"version_id"`
	Fields    map[string]ResolvedField `json:"fields"`
}

// BuildResolvedView folds claims (ordered by creation time ascending) into a
// last-write-wins map per field key.
func BuildResolvedView(versionID string, claims []store.SourcingClaim) ResolvedView {
	fields := make(map[string]ResolvedField, len(claims))
	for _, c := range claims {
		fields[c.FieldKey] = ResolvedField{
			ClaimID:    c.ID,
			FieldKey:   c.FieldKey,
			Value:      c.ValueJSON,
			ClaimType:  c.ClaimType,
			Confidence: c.Confidence,
			CreatedAt:  c.CreatedAt,
		}
	}
	return ResolvedView{VersionID: versionID, Fields: fields}
}
