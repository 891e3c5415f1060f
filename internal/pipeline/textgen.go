package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPTextGenerator calls a hosted completion API for flag explanations.
type HTTPTextGenerator struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPTextGenerator(baseURL, apiKey string) *HTTPTextGenerator {
	return &HTTPTextGenerator{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (g *HTTPTextGenerator) Generate(ctx context.Context, systemPrompt, userPrompt string) (Generation, error) {
	body, err := json.Marshal(map[string]string{
		"system": systemPrompt,
		"prompt": userPrompt,
	})
	if err != nil {
		return Generation{}, fmt.Errorf("marshal generation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL, bytes.NewReader(body))
	if err != nil {
		return Generation{}, fmt.Errorf("build generation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return Generation{}, fmt.Errorf("call text generator: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Generation{}, fmt.Errorf("text generator returned status %d", resp.StatusCode)
	}

	var payload struct {
		Text         string `json:"text"`
		Model        string `json:"model"`
		ModelVersion string `json:"model_version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Generation{}, fmt.Errorf("decode generation response: %w", err)
	}
	return Generation{Text: payload.Text, Model: payload.Model, ModelVersion: payload.ModelVersion}, nil
}
