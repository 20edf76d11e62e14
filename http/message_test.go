package http

import (
	"strings"
	"testing"
)

func TestServerMessage(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		want        string
	}{
		{"json message", "application/json", `{"message":"Thread is locked"}`, "Thread is locked"},
		{"json error string", "application/json", `{"error":"username already taken"}`, "username already taken"},
		{"json nested error", "application/json", `{"error":{"message":"rate limited"}}`, "rate limited"},
		{"message wins over error", "application/json", `{"message":"a","error":"b"}`, "a"},
		{"json without message", "application/json", `{"status":"bad"}`, ""},
		{"malformed json", "application/json", `{"message":`, ""},
		{"plain text", "text/plain", "board is full", "board is full"},
		{"plain text is trimmed", "text/plain; charset=utf-8", "  slow down \n", "slow down"},
		{"html page", "text/html; charset=utf-8", "<html><body>502</body></html>", ""},
		{"markup without content type", "", "<h1>Bad Gateway</h1>", ""},
		{"long text", "text/plain", strings.Repeat("x", maxPlainMessage+1), ""},
		{"binary", "application/octet-stream", "\xff\xfe\x00", ""},
		{"empty", "application/json", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := serverMessage(tt.contentType, []byte(tt.body)); got != tt.want {
				t.Errorf("serverMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}
