package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"
)

// Candidate is one factory sourced from an external search platform.
type Candidate struct {
	FactoryName string      `json:"factory_name"`
	Platform    string      `json:"platform"`
	SourceURL   string      `json:"source_url"`
	PriceRange  *priceRange `json:"price_range,omitempty"`
	MOQ         *int64      `json:"moq,omitempty"`
	Location    string      `json:"location"`
}

type CandidateSource interface {
	Search(ctx context.Context, query string) ([]Candidate, error)
}

// HTTPCandidateSource queries a hosted factory-search API. When no endpoint
// is configured, or the upstream call fails, it degrades to deterministic
// stub candidates so the blueprint pipeline stays runnable in development.
type HTTPCandidateSource struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPCandidateSource(baseURL, apiKey string) *HTTPCandidateSource {
	return &HTTPCandidateSource{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *HTTPCandidateSource) Search(ctx context.Context, query string) ([]Candidate, error) {
	if s.baseURL == "" {
		return stubCandidates(query), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"?q="+url.QueryEscape(query), nil)
	if err != nil {
		return nil, fmt.Errorf("build candidate search request: %w", err)
	}
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		log.Printf(`{"msg":"candidate search failed, using stubs","err":"%v"}`, err)
		return stubCandidates(query), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf(`{"msg":"candidate search failed, using stubs","status":%d}`, resp.StatusCode)
		return stubCandidates(query), nil
	}

	var payload struct {
		Results []Candidate `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		log.Printf(`{"msg":"candidate search decode failed, using stubs","err":"%v"}`, err)
		return stubCandidates(query), nil
	}
	return payload.Results, nil
}

func stubCandidates(query string) []Candidate {
	moqs := []int64{100, 200, 300}
	locations := []string{"Guangdong", "Zhejiang", "Jiangsu"}

	out := make([]Candidate, 3)
	for i := range out {
		moq := moqs[i]
		out[i] = Candidate{
			FactoryName: fmt.Sprintf("Stub %s %d", query, i+1),
			Platform:    "1688",
			MOQ:         &moq,
			Location:    locations[i],
		}
	}
	return out
}
