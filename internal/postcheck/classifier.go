package postcheck

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPClassifier calls an external classifier service with a single
// inference per text. An empty URL yields a nil Classifier, which disables
// the ML and coherence steps entirely.
type HTTPClassifier struct {
	url    string
	client *http.Client
}

// NewHTTPClassifier returns nil when no URL is configured.
func NewHTTPClassifier(url string) *HTTPClassifier {
	if url == "" {
		return nil
	}
	return &HTTPClassifier{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Classify posts {"text": ...} and expects {score, label, confidence}.
func (c *HTTPClassifier) Classify(ctx context.Context, text string) (*Classification, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classifier call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("classifier returned %d", resp.StatusCode)
	}

	var cls Classification
	if err := json.NewDecoder(resp.Body).Decode(&cls); err != nil {
		return nil, fmt.Errorf("classifier decode: %w", err)
	}
	return &cls, nil
}
