// Package classify implements the Error Classifier (§4.11): a pure
// function from an error to a stable, serialisable ErrorFingerprint, plus
// the degrade/retry/fatal decision the state machine consults.
package classify

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/contentforge/engine/internal/models"
)

// ValidationError is implemented by schema-validation failures so the
// classifier can recover the validator-reported issue code and path.
type ValidationError interface {
	error
	IssueCode() string
	IssuePath() string
}

// ProviderAPIError is implemented by LLM-provider call failures so the
// classifier can recover an HTTP-status-shaped code when available.
type ProviderAPIError interface {
	error
	HTTPStatus() int
	ProviderErrorType() string
}

var networkPattern = regexp.MustCompile(`(?i)econnrefused|etimedout|network|fetch`)
var filesystemPattern = regexp.MustCompile(`(?i)\b(enoent|eacces|eperm|eexist|enotdir)\b`)

// degradeValidationCodes are the validation issue codes that indicate the
// model itself produced non-conforming output (rather than a caller bug),
// and so are eligible for model degradation.
var degradeValidationCodes = map[string]bool{
	"invalid_enum_value": true,
	"too_big":             true,
	"invalid_type":        true,
	"unrecognized_keys":   true,
	"invalid_string":      true,
	"invalid_literal":     true,
}

var noDegradeProviderMarkers = []string{"429", "401", "403", "quota", "unauthorized"}

// Classify converts an arbitrary error into a stable ErrorFingerprint.
func Classify(err error) models.ErrorFingerprint {
	if err == nil {
		return models.ErrorFingerprint{Kind: "unknown", Code: "unknown", Message: ""}
	}

	var verr ValidationError
	if errors.As(err, &verr) {
		return models.ErrorFingerprint{
			Kind:    "validation",
			Code:    verr.IssueCode(),
			Path:    verr.IssuePath(),
			Message: err.Error(),
		}
	}

	var perr ProviderAPIError
	if errors.As(err, &perr) {
		code := strings.ToLower(perr.ProviderErrorType())
		if status := perr.HTTPStatus(); status > 0 {
			code = strconv.Itoa(status) + "_" + strings.ToLower(perr.ProviderErrorType())
		}
		return models.ErrorFingerprint{Kind: "provider_api", Code: code, Message: err.Error()}
	}

	msg := err.Error()

	if networkPattern.MatchString(msg) {
		return models.ErrorFingerprint{Kind: "network", Code: "network_error", Message: msg}
	}

	if match := filesystemPattern.FindString(msg); match != "" {
		return models.ErrorFingerprint{Kind: "filesystem", Code: strings.ToLower(match), Message: msg}
	}

	return models.ErrorFingerprint{Kind: "unknown", Code: "unknown", Message: msg}
}

// ShouldDegrade implements §4.11's degrade decision: true iff the fallback
// chain has remaining models AND the fingerprint is either a model-output
// validation defect, or a provider error that is not a rate-limit/auth
// failure (those must never be masked by degrading to a cheaper model).
func ShouldDegrade(fp models.ErrorFingerprint, usedModels []string, chainLength int) bool {
	if len(usedModels) >= chainLength {
		return false
	}

	switch fp.Kind {
	case "validation":
		return degradeValidationCodes[fp.Code]
	case "provider_api":
		lowered := strings.ToLower(fp.Code)
		for _, marker := range noDegradeProviderMarkers {
			if strings.Contains(lowered, marker) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
