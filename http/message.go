package http

import (
	"bytes"
	"encoding/json"
	"mime"
	"unicode/utf8"
)

// maxPlainMessage bounds how much of a plain-text body is surfaced to users.
const maxPlainMessage = 200

// serverMessage extracts a human-readable message from an error response.
// JSON bodies contribute their message or error field; short plain-text bodies
// are used as-is. An empty result means "use the status default".
func serverMessage(contentType string, body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return ""
	}

	if body[0] == '{' {
		var payload struct {
			Message string          `json:"message"`
			Error   json.RawMessage `json:"error"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return ""
		}
		if payload.Message != "" {
			return payload.Message
		}
		var errText string
		if json.Unmarshal(payload.Error, &errText) == nil {
			return errText
		}
		var nested struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(payload.Error, &nested) == nil {
			return nested.Message
		}
		return ""
	}

	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil && mediaType == "text/html" {
		return ""
	}
	if len(body) > maxPlainMessage || !utf8.Valid(body) || body[0] == '<' {
		return ""
	}
	return string(body)
}
