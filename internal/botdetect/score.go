// Package botdetect scores and classifies incoming requests for bot
// likelihood, and issues/verifies proof-of-work challenge cookies for
// requests that score above the configured threshold.
package botdetect

import "github.com/veil-waf/veil-go/internal/fingerprint"

// ComputeScore returns a composite bot-likelihood score in [0,1].
func ComputeScore(pattern fingerprint.Pattern, hasValidChallenge bool, headers []fingerprint.Header) float64 {
	var score float64
	switch pattern {
	case fingerprint.KnownGoodBot:
		score = 0.0
	case fingerprint.KnownBadBot:
		score = 0.9
	case fingerprint.Suspicious:
		score = 0.5
	default:
		score = 0.1
	}

	if !fingerprint.HasStandardAccept(headers) && pattern != fingerprint.KnownGoodBot {
		score += 0.2
	}
	if hasValidChallenge {
		score -= 0.8
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}
