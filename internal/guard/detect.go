package guard

import "strings"

// DetectionKind describes the anti-bot signal observed.
type DetectionKind string

const (
	DetectNone         DetectionKind = ""
	DetectRateLimited  DetectionKind = "rate_limited"
	DetectCaptcha      DetectionKind = "captcha"
	DetectConsent      DetectionKind = "consent_interstitial"
	DetectBlockingPage DetectionKind = "blocking_page"
	DetectEmptyResults DetectionKind = "empty_results"
)

// emptyStreakThreshold is how many consecutive empty result sets, where
// content was expected, count as a soft detection signal.
const emptyStreakThreshold = 3

// DetectBlock inspects an HTTP status and response body for anti-bot
// markers. emptyStreak is the caller's count of consecutive empty result
// lists where content was expected.
func DetectBlock(statusCode int, body string, emptyStreak int) (bool, DetectionKind) {
	if statusCode == 429 {
		return true, DetectRateLimited
	}

	lower := strings.ToLower(body)

	// Subprocess providers surface rate limiting as error text rather than
	// a status code.
	if strings.Contains(lower, "http error 429") ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "rate-limit") ||
		strings.Contains(lower, "rate limit exceeded") {
		return true, DetectRateLimited
	}

	if strings.Contains(lower, "captcha") ||
		strings.Contains(lower, "recaptcha") ||
		strings.Contains(lower, "hcaptcha") {
		return true, DetectCaptcha
	}

	if strings.Contains(lower, "consent.youtube.com") ||
		strings.Contains(lower, "before you continue") {
		return true, DetectConsent
	}

	if strings.Contains(lower, "unusual traffic") ||
		strings.Contains(lower, "automated queries") ||
		strings.Contains(lower, "sorry/index") {
		return true, DetectBlockingPage
	}

	if emptyStreak >= emptyStreakThreshold {
		return true, DetectEmptyResults
	}

	return false, DetectNone
}
