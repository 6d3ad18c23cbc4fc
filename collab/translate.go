package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"mediamill/faults"
)

// HTTPTranslator calls a translation service with JSON batches.
type HTTPTranslator struct {
	endpoint string
	client   *http.Client
}

func NewHTTPTranslator(endpoint string, timeout time.Duration) *HTTPTranslator {
	return &HTTPTranslator{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type translateRequest struct {
	Texts      []string `json:"texts"`
	TargetLang string   `json:"targetLang"`
}

type translateResponse struct {
	Texts []string `json:"texts"`
}

func (t *HTTPTranslator) TranslateBatch(ctx context.Context, texts []string, targetLang string) ([]string, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(translateRequest{Texts: texts, TargetLang: targetLang})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	var out translateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, faults.New(faults.CodeRemoteServer, "malformed translation response", err)
	}
	if len(out.Texts) != len(texts) {
		return nil, faults.Newf(faults.CodeRemoteServer,
			"translation batch size mismatch: sent %d, got %d", len(texts), len(out.Texts))
	}
	return out.Texts, nil
}

// NoopTranslator passes text through unchanged; used when no translation
// endpoint is configured.
type NoopTranslator struct{}

func (NoopTranslator) TranslateBatch(_ context.Context, texts []string, _ string) ([]string, error) {
	out := make([]string, len(texts))
	copy(out, texts)
	return out, nil
}
