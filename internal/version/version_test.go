package version

import (
	"strings"
	"testing"
)

func TestGetIsStable(t *testing.T) {
	t.Parallel()

	first := Get()
	if first == "" {
		t.Fatal("Get() returned an empty version")
	}
	if second := Get(); second != first {
		t.Errorf("Get() = %q then %q, want a stable value", first, second)
	}
}

func TestUserAgent(t *testing.T) {
	t.Parallel()

	ua := UserAgent()
	if !strings.HasPrefix(ua, "payhook/") {
		t.Errorf("UserAgent() = %q, want payhook/ prefix", ua)
	}
	if got := strings.TrimPrefix(ua, "payhook/"); got != Get() {
		t.Errorf("UserAgent() version = %q, want %q", got, Get())
	}
}
