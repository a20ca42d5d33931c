package correlation

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestEnsureRequestReusesClientID(t *testing.T) {
	t.Parallel()

	request := httptest.NewRequest("POST", "/api/public/ingestion", nil)
	request.Header.Set(HeaderName, "req-client-supplied")

	request, id := EnsureRequest(request)
	if id != "req-client-supplied" {
		t.Errorf("id = %q, want the client-supplied value", id)
	}
	if got, ok := FromContext(request.Context()); !ok || got != id {
		t.Errorf("context id = %q, %v", got, ok)
	}
}

func TestEnsureRequestGeneratesID(t *testing.T) {
	t.Parallel()

	request, id := EnsureRequest(httptest.NewRequest("GET", "/api/health", nil))
	if !strings.HasPrefix(id, "req-") {
		t.Errorf("generated id = %q, want a req- prefix", id)
	}
	if request.Header.Get(HeaderName) != id {
		t.Errorf("header = %q, want %q", request.Header.Get(HeaderName), id)
	}

	// Repeated calls keep the first identifier.
	_, again := EnsureRequest(request)
	if again != id {
		t.Errorf("second call id = %q, want %q", again, id)
	}
}

func TestFromHeadersFallbacks(t *testing.T) {
	t.Parallel()

	request := httptest.NewRequest("GET", "/", nil)
	request.Header.Set("X-Request-ID", "req-legacy-header")
	if got := FromHeaders(request.Header); got != "req-legacy-header" {
		t.Errorf("FromHeaders = %q, want the X-Request-ID value", got)
	}

	request.Header.Set(HeaderName, "req-canonical")
	if got := FromHeaders(request.Header); got != "req-canonical" {
		t.Errorf("FromHeaders = %q, the canonical header must win", got)
	}
}

func TestNormalizeIDRejectsHostileValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		value string
		want  string
	}{
		{"valid", "req-abc_123.x:y", "req-abc_123.x:y"},
		{"whitespace trimmed", "  req-1  ", "req-1"},
		{"embedded newline", "req-1\nSet-Cookie: x", ""},
		{"spaces inside", "req 1", ""},
		{"non-ascii", "req-é", ""},
		{"empty", "   ", ""},
		{"truncated", strings.Repeat("a", 200), strings.Repeat("a", 128)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := normalizeID(tt.value); got != tt.want {
				t.Errorf("normalizeID(%q) = %q, want %q", tt.value, got, tt.want)
			}
		})
	}
}

func TestWithContextRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := WithContext(context.Background(), "req-1")
	if got, ok := FromContext(ctx); !ok || got != "req-1" {
		t.Errorf("FromContext = %q, %v", got, ok)
	}

	// Invalid ids never land in context.
	ctx = WithContext(context.Background(), "bad id")
	if _, ok := FromContext(ctx); ok {
		t.Error("invalid id survived into context")
	}
}
