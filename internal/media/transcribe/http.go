package transcribe

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxErrorBody = 8 << 10

func providerError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &ProviderError{
		Provider: provider,
		Status:   resp.StatusCode,
		Body:     strings.TrimSpace(string(body)),
	}
}

func decodeJSON(resp *http.Response, v any) error {
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func mimeOrWAV(mime string) string {
	if strings.TrimSpace(mime) == "" {
		return "audio/wav"
	}
	return mime
}
