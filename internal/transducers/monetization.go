package transducers

import "github.com/contentforge/engine/internal/models"

// DeriveMonetizationHint is a pure transformation over the already-computed
// SEO trend keywords and Shorts hook start timestamps (§4.16) — no
// additional LLM call.
func DeriveMonetizationHint(seo *models.SEOMetadata, shorts []models.ShortHook) *models.MonetizationHint {
	hint := &models.MonetizationHint{
		AdSlotTimestamps: make([]string, 0, len(shorts)),
		SponsorEligible:  seo != nil && len(seo.TrendsUsed) > 0,
	}
	for _, h := range shorts {
		hint.AdSlotTimestamps = append(hint.AdSlotTimestamps, h.StartTimestamp)
	}

	switch {
	case seo != nil && len(seo.TrendsUsed) >= 3:
		hint.EstimatedCPMTier = "high"
	case seo != nil && len(seo.TrendsUsed) >= 1:
		hint.EstimatedCPMTier = "medium"
	default:
		hint.EstimatedCPMTier = "low"
	}
	return hint
}
