package transducers

import (
	svcerrors "github.com/contentforge/engine/infrastructure/errors"
	"github.com/contentforge/engine/internal/models"
)

// Voice is one catalog entry a project's script language can be matched
// against.
type Voice struct {
	ID       string
	Language string
}

// Match is a pure lookup (§4.14 step 5): no LLM call, just the first
// catalog voice for the script's language, falling back to "en".
func Match(scriptLanguage string, catalog []Voice) (*models.VoiceMatch, error) {
	if v, ok := firstForLanguage(catalog, scriptLanguage); ok {
		return &models.VoiceMatch{VoiceID: v.ID, Language: v.Language}, nil
	}
	if v, ok := firstForLanguage(catalog, "en"); ok {
		return &models.VoiceMatch{VoiceID: v.ID, Language: v.Language}, nil
	}
	return nil, svcerrors.NotFound("voice", scriptLanguage)
}

func firstForLanguage(catalog []Voice, language string) (Voice, bool) {
	for _, v := range catalog {
		if v.Language == language {
			return v, true
		}
	}
	return Voice{}, false
}
