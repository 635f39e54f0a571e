package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetectorMatchesURLAndContent(t *testing.T) {
	d := NewDetector(nil)

	require.True(t, d.Detect("https://www.google.com/sorry/index", ""))
	require.True(t, d.Detect("https://example.org", "<div>Please solve this CAPTCHA</div>"))
	require.True(t, d.Detect("https://example.org", "We detected unusual traffic from your network"))
	require.False(t, d.Detect("https://example.org/place", "<h1>Blue Bottle Coffee</h1>"))

	require.Equal(t, 3, d.Count())
}

func TestDetectorShouldAbortAboveLimit(t *testing.T) {
	d := NewDetector(nil)

	for i := 0; i < 3; i++ {
		require.True(t, d.Detect("https://example.org", "recaptcha challenge"))
		require.False(t, d.ShouldAbort(), "limit is exceeded, not reached, at %d detections", i+1)
	}
	require.True(t, d.Detect("https://example.org", "recaptcha challenge"))
	require.True(t, d.ShouldAbort())
}

func TestDetectorReset(t *testing.T) {
	d := NewDetector(nil)
	require.True(t, d.Detect("https://example.org", "captcha"))
	require.False(t, d.LastSeen().IsZero())

	d.Reset()
	require.Equal(t, 0, d.Count())
	require.True(t, d.LastSeen().IsZero())
	require.False(t, d.ShouldAbort())
}

func TestDetectorCustomSignaturesAndLimit(t *testing.T) {
	d := NewDetectorWith([]string{"Access Denied", "  "}, 1, nil)

	require.True(t, d.Detect("https://example.org", "<title>access denied</title>"))
	require.False(t, d.Detect("https://example.org", "captcha"), "default signatures replaced")
	require.False(t, d.ShouldAbort())
	require.True(t, d.Detect("https://example.org", "ACCESS DENIED"))
	require.True(t, d.ShouldAbort())
}
