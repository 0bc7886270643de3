package snapshot

import (
	"encoding/json"
	"fmt"
	"time"
)

// planDocument is the operator-facing JSON shape of a plan.
type planDocument struct {
	ID                string          `json:"id"`
	SiteID            string          `json:"siteId"`
	Name              string          `json:"name"`
	Version           int             `json:"version"`
	Mode              Mode            `json:"mode"`
	DiffRewardEnabled bool            `json:"diffRewardEnabled"`
	Tiers             json.RawMessage `json:"tiers"`
	EffectiveFrom     time.Time       `json:"effectiveFrom"`
	EffectiveUntil    *time.Time      `json:"effectiveUntil"`
	Active            *bool           `json:"active"`
}

// DecodePlan reads a plan document. Tiers go through ParseTiers, so legacy
// aliases are accepted. Active defaults to true and Version to 1.
func DecodePlan(blob []byte) (*Plan, error) {
	var doc planDocument
	if err := json.Unmarshal(blob, &doc); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if doc.ID == "" || doc.SiteID == "" {
		return nil, fmt.Errorf("decode plan: id and siteId are required")
	}
	if !doc.Mode.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, doc.Mode)
	}
	if len(doc.Tiers) == 0 {
		return nil, fmt.Errorf("%w: plan has no tiers", ErrInvalidTier)
	}
	tiers, err := ParseTiers(doc.Tiers)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		ID:                doc.ID,
		SiteID:            doc.SiteID,
		Name:              doc.Name,
		Version:           doc.Version,
		Mode:              doc.Mode,
		DiffRewardEnabled: doc.DiffRewardEnabled,
		Tiers:             tiers,
		EffectiveFrom:     doc.EffectiveFrom,
		Active:            doc.Active == nil || *doc.Active,
	}
	if plan.Version == 0 {
		plan.Version = 1
	}
	if doc.EffectiveUntil != nil {
		if !doc.EffectiveUntil.After(doc.EffectiveFrom) {
			return nil, fmt.Errorf("decode plan: effectiveUntil must be after effectiveFrom")
		}
		plan.EffectiveUntil = *doc.EffectiveUntil
	}
	return plan, nil
}
