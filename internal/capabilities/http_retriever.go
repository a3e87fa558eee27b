// Package capabilities – HTTP retriever client.
//
// HTTPRetriever implements the Retriever port against a remote vector
// search service exposing a single JSON query endpoint. Deployments
// without such a service use the local knowledge index instead (see
// internal/knowledge), which implements the same port.
package capabilities

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const retrievePath = "/v1/query"

// HTTPRetriever queries a remote passage-retrieval service.
type HTTPRetriever struct {
	BaseURL string
	TopK    int
	Client  *http.Client
}

// NewHTTPRetriever constructs a retriever client for baseURL.
func NewHTTPRetriever(baseURL string, topK int, timeout time.Duration) *HTTPRetriever {
	if topK <= 0 {
		topK = 5
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPRetriever{
		BaseURL: strings.TrimRight(baseURL, "/"),
		TopK:    topK,
		Client:  &http.Client{Timeout: timeout},
	}
}

type retrieveRequest struct {
	Query     string `json:"query"`
	Namespace string `json:"namespace"`
	TopK      int    `json:"top_k"`
}

type retrieveResponse struct {
	Matches []Passage `json:"matches"`
}

// Retrieve returns ranked passages for query from the given namespace.
func (r *HTTPRetriever) Retrieve(ctx context.Context, query, namespace string) ([]Passage, error) {
	body, err := json.Marshal(retrieveRequest{Query: query, Namespace: namespace, TopK: r.TopK})
	if err != nil {
		return nil, &Error{Op: "retrieve", Kind: FailureMalformedResult, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+retrievePath, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Op: "retrieve", Kind: FailureMalformedResult, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient().Do(req)
	if err != nil {
		return nil, wrap("retrieve", FailureTimeout, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusServiceUnavailable:
		return nil, &Error{Op: "retrieve", Kind: FailureCapacity,
			Err: fmt.Errorf("retrieval service returned %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, &Error{Op: "retrieve", Kind: FailureMalformedResult,
			Err: fmt.Errorf("retrieval service returned %d", resp.StatusCode)}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxClassifyRespBytes))
	if err != nil {
		return nil, wrap("retrieve", FailureMalformedResult, err)
	}

	var out retrieveResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &Error{Op: "retrieve", Kind: FailureMalformedResult, Err: err}
	}
	return out.Matches, nil
}

func (r *HTTPRetriever) httpClient() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return &http.Client{Timeout: 15 * time.Second}
}
