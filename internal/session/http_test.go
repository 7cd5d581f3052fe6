package session

import "testing"

func TestClassifyBlockedByStatus(t *testing.T) {
	if !classifyBlocked(403, []byte("ok")) {
		t.Error("403 should be classified as blocked")
	}
	if !classifyBlocked(503, []byte("ok")) {
		t.Error("503 should be classified as blocked")
	}
}

func TestClassifyBlockedByAntiBotFragment(t *testing.T) {
	body := []byte("<html>Robot Check</html>")
	if !classifyBlocked(200, body) {
		t.Error("anti-bot fragment should be classified as blocked")
	}
}

func TestClassifyBlockedByShortBody(t *testing.T) {
	if !classifyBlocked(200, make([]byte, 10)) {
		t.Error("implausibly short 200 body should be classified as blocked")
	}
}

func TestClassifyNotBlockedNormalPage(t *testing.T) {
	body := make([]byte, 2048)
	if classifyBlocked(200, body) {
		t.Error("plausible 200 body should not be classified as blocked")
	}
}
