package guard

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectBlock(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		emptyStreak int
		want        bool
		wantKind    DetectionKind
	}{
		{"clean response", 200, "<html>comments</html>", 0, false, DetectNone},
		{"http 429", 429, "", 0, true, DetectRateLimited},
		{"429 in error text", 0, "yt-dlp: HTTP Error 429: Too Many Requests", 0, true, DetectRateLimited},
		{"too many requests text", 0, "server said: too many requests", 0, true, DetectRateLimited},
		{"rate limit exceeded text", 0, "quota: rate limit exceeded", 0, true, DetectRateLimited},
		{"recaptcha marker", 200, "please solve this reCAPTCHA to continue", 0, true, DetectCaptcha},
		{"consent interstitial", 200, "redirecting to consent.youtube.com", 0, true, DetectConsent},
		{"before you continue", 200, "Before you continue to YouTube", 0, true, DetectConsent},
		{"unusual traffic page", 200, "our systems have detected unusual traffic", 0, true, DetectBlockingPage},
		{"empty streak below threshold", 200, "", 2, false, DetectNone},
		{"empty streak at threshold", 200, "", 3, true, DetectEmptyResults},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, kind := DetectBlock(tt.status, tt.body, tt.emptyStreak)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantKind, kind)
		})
	}
}
