// Package capabilities – HTTP classifier client.
//
// HTTPClassifier talks to the image model server over a single JSON
// endpoint. The server hosts both the breed and the disease model; the
// request names which one to run. Transport errors and deadline expiry map
// to timeout-kind failures, 429/503 to capacity, and unparseable or empty
// results to malformed-result, so the orchestrator can surface a precise
// failure taxonomy without knowing HTTP.
package capabilities

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// classifyPath is the model server's inference endpoint.
const classifyPath = "/v1/classify"

// maxClassifyRespBytes bounds how much of a response body is read.
const maxClassifyRespBytes = 1 << 20

// HTTPClassifier implements Classifier against a remote model server.
type HTTPClassifier struct {
	// BaseURL is the model server root, e.g. "http://models:9000".
	BaseURL string
	// Client is the HTTP client used for calls. A nil Client falls back
	// to a default with a conservative timeout.
	Client *http.Client
}

// NewHTTPClassifier constructs a classifier client for baseURL.
func NewHTTPClassifier(baseURL string, timeout time.Duration) *HTTPClassifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClassifier{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

type classifyRequest struct {
	ImageBase64 string `json:"image_base64"`
	Model       string `json:"model"`
}

type classifyResponse struct {
	Label            string  `json:"label"`
	Confidence       float64 `json:"confidence"`
	ProcessingTimeMs int64   `json:"processing_time_ms"`
}

// Classify submits the image to the model server and returns the detection.
func (c *HTTPClassifier) Classify(ctx context.Context, image []byte, kind ModelKind) (*Detection, error) {
	if len(image) == 0 {
		return nil, &Error{Op: "classify", Kind: FailureMalformedResult, Err: fmt.Errorf("empty image")}
	}

	body, err := json.Marshal(classifyRequest{
		ImageBase64: base64.StdEncoding.EncodeToString(image),
		Model:       string(kind),
	})
	if err != nil {
		return nil, &Error{Op: "classify", Kind: FailureMalformedResult, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+classifyPath, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Op: "classify", Kind: FailureMalformedResult, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, wrap("classify", FailureTimeout, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusServiceUnavailable:
		return nil, &Error{Op: "classify", Kind: FailureCapacity,
			Err: fmt.Errorf("model server returned %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, &Error{Op: "classify", Kind: FailureMalformedResult,
			Err: fmt.Errorf("model server returned %d", resp.StatusCode)}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxClassifyRespBytes))
	if err != nil {
		return nil, wrap("classify", FailureMalformedResult, err)
	}

	var out classifyResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &Error{Op: "classify", Kind: FailureMalformedResult, Err: err}
	}
	if strings.TrimSpace(out.Label) == "" || out.Confidence < 0 || out.Confidence > 1 {
		return nil, &Error{Op: "classify", Kind: FailureMalformedResult,
			Err: fmt.Errorf("invalid detection: label=%q confidence=%v", out.Label, out.Confidence)}
	}

	return &Detection{
		Label:      out.Label,
		Confidence: out.Confidence,
		LatencyMs:  out.ProcessingTimeMs,
	}, nil
}

func (c *HTTPClassifier) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return &http.Client{Timeout: 30 * time.Second}
}
