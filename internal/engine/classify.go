package engine

import (
	"context"
	"errors"
	"strings"
)

// Kind buckets backend failures for retry decisions and user messaging.
type Kind string

const (
	KindOverloaded    Kind = "overloaded"
	KindUnavailable   Kind = "unavailable"
	KindTimeout       Kind = "timeout"
	KindRateLimited   Kind = "rate_limited"
	KindInvalidKey    Kind = "invalid_key"
	KindSafetyBlocked Kind = "safety_blocked"
	KindConnection    Kind = "connection"
	KindUnknown       Kind = "unknown"
)

// Classify maps a backend error to a Kind by inspecting its text. Backend
// SDKs do not expose stable error types for most of these conditions, so
// substring matching is the pragmatic contract.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "overloaded"):
		return KindOverloaded
	case strings.Contains(msg, "unavailable") || strings.Contains(msg, "503"):
		return KindUnavailable
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return KindTimeout
	case strings.Contains(msg, "rate") || strings.Contains(msg, "429") || strings.Contains(msg, "quota"):
		return KindRateLimited
	case strings.Contains(msg, "api key") || strings.Contains(msg, "api_key") || strings.Contains(msg, "unauthenticated") || strings.Contains(msg, "401"):
		return KindInvalidKey
	case strings.Contains(msg, "safety") || strings.Contains(msg, "blocked"):
		return KindSafetyBlocked
	case strings.Contains(msg, "connection") || strings.Contains(msg, "connect") || strings.Contains(msg, "refused"):
		return KindConnection
	default:
		return KindUnknown
	}
}

// IsRetryable reports whether the failure is transient infrastructure
// trouble worth another attempt.
func IsRetryable(kind Kind) bool {
	switch kind {
	case KindOverloaded, KindUnavailable, KindTimeout, KindConnection:
		return true
	}
	return false
}

// FriendlyMessage converts a Kind into text safe to show the caller,
// without leaking backend internals.
func FriendlyMessage(kind Kind) string {
	switch kind {
	case KindOverloaded:
		return "The image service is overloaded right now. Please try again in a moment."
	case KindUnavailable:
		return "The image service is temporarily unavailable. Please try again shortly."
	case KindTimeout:
		return "The generation took too long and was aborted. Please try again."
	case KindRateLimited:
		return "The image service is rate limiting requests. Please slow down and retry."
	case KindInvalidKey:
		return "The service is misconfigured. Please contact the administrator."
	case KindSafetyBlocked:
		return "The prompt was declined by the safety filter. Please rephrase and try again."
	case KindConnection:
		return "Could not reach the image service. Please try again."
	default:
		return "Image generation failed unexpectedly. Please try again."
	}
}
