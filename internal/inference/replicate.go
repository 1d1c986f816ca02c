package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/soba-labs/soba/internal/metrics"
	"github.com/soba-labs/soba/internal/retry"
)

const defaultBaseURL = "https://api.replicate.com/v1"

// Prediction statuses reported by the API.
const (
	StatusStarting   = "starting"
	StatusProcessing = "processing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
)

// DefaultInput is merged under caller params on every prediction.
func DefaultInput() map[string]any {
	return map[string]any{
		"num_outputs":         1,
		"guidance_scale":      7.5,
		"num_inference_steps": 50,
		"output_format":       "webp",
	}
}

// Replicate is a Generator backed by the Replicate predictions API.
type Replicate struct {
	baseURL        string
	token          string
	version        string
	httpClient     *http.Client
	pollInterval   time.Duration
	maxPolls       int
	allowedDomains []string
	policy         retry.Policy
	defaults       map[string]any
}

var _ Generator = (*Replicate)(nil)

// Option configures the client.
type Option func(*Replicate)

// WithBaseURL sets a custom base URL.
func WithBaseURL(u string) Option {
	return func(r *Replicate) { r.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Replicate) { r.httpClient = c }
}

// WithPolling sets the status poll interval and the number of polls before giving up.
func WithPolling(interval time.Duration, maxPolls int) Option {
	return func(r *Replicate) {
		r.pollInterval = interval
		r.maxPolls = maxPolls
	}
}

// WithAllowedDomains restricts which hosts may serve the finished image.
func WithAllowedDomains(domains ...string) Option {
	return func(r *Replicate) { r.allowedDomains = domains }
}

// WithRetryPolicy sets the policy for submit and poll requests.
func WithRetryPolicy(p retry.Policy) Option {
	return func(r *Replicate) { r.policy = p }
}

// NewReplicate creates a client for one model version.
func NewReplicate(token, modelVersion string, opts ...Option) *Replicate {
	r := &Replicate{
		baseURL:        defaultBaseURL,
		token:          token,
		version:        modelVersion,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		pollInterval:   time.Second,
		maxPolls:       60,
		allowedDomains: []string{"replicate.delivery"},
		policy:         retry.DefaultPolicy(),
		defaults:       DefaultInput(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type predictionRequest struct {
	Version string         `json:"version"`
	Input   map[string]any `json:"input"`
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  any             `json:"error"`
}

// Generate submits a prediction and polls it until it reaches a terminal
// status or the poll budget runs out.
func (r *Replicate) Generate(ctx context.Context, prompt string, params map[string]any) (*Output, error) {
	start := time.Now()
	input := r.buildInput(prompt, params)

	pred, err := retry.DoValue(ctx, r.policy.Named("inference submit"), func(ctx context.Context) (*prediction, error) {
		p, err := r.submit(ctx, input)
		if err != nil && !IsRetryable(err) {
			return nil, retry.Permanent(err)
		}
		return p, err
	})
	if err != nil {
		metrics.InferenceDuration.WithLabelValues("submit_error").Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: submitting prediction: %w", ErrGenerationFailed, err)
	}

	slog.Debug("prediction submitted", "prediction_id", pred.ID, "status", pred.Status)

	for polls := 0; ; polls++ {
		switch pred.Status {
		case StatusSucceeded:
			metrics.InferenceDuration.WithLabelValues(StatusSucceeded).Observe(time.Since(start).Seconds())
			imageURL, err := r.imageURL(pred)
			if err != nil {
				return nil, err
			}
			return &Output{
				ImageURL:     imageURL,
				PredictionID: pred.ID,
				ModelVersion: r.version,
				Input:        input,
				Duration:     time.Since(start),
			}, nil
		case StatusFailed, StatusCanceled:
			metrics.InferenceDuration.WithLabelValues(pred.Status).Observe(time.Since(start).Seconds())
			return nil, fmt.Errorf("%w: prediction %s %s: %v", ErrGenerationFailed, pred.ID, pred.Status, pred.Error)
		}

		if polls >= r.maxPolls {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, ctx.Err())
		case <-time.After(r.pollInterval):
		}

		id := pred.ID
		pred, err = retry.DoValue(ctx, r.policy.Named("inference poll"), func(ctx context.Context) (*prediction, error) {
			p, err := r.get(ctx, id)
			if err != nil && !IsRetryable(err) {
				return nil, retry.Permanent(err)
			}
			return p, err
		})
		if err != nil {
			return nil, fmt.Errorf("%w: polling prediction %s: %w", ErrGenerationFailed, id, err)
		}
	}

	metrics.InferenceDuration.WithLabelValues("timeout").Observe(time.Since(start).Seconds())
	r.cancel(context.WithoutCancel(ctx), pred.ID)
	return nil, fmt.Errorf("%w: prediction %s still %s after %d polls", ErrGenerationTimedOut, pred.ID, pred.Status, r.maxPolls)
}

func (r *Replicate) buildInput(prompt string, params map[string]any) map[string]any {
	input := make(map[string]any, len(r.defaults)+len(params)+1)
	maps.Copy(input, r.defaults)
	maps.Copy(input, params)
	input["prompt"] = strings.TrimSpace(prompt)
	return input
}

func (r *Replicate) submit(ctx context.Context, input map[string]any) (*prediction, error) {
	body, err := json.Marshal(predictionRequest{Version: r.version, Input: input})
	if err != nil {
		return nil, fmt.Errorf("marshaling prediction request: %w", err)
	}
	return r.do(ctx, http.MethodPost, r.baseURL+"/predictions", body)
}

func (r *Replicate) get(ctx context.Context, id string) (*prediction, error) {
	p, err := r.do(ctx, http.MethodGet, r.baseURL+"/predictions/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *Replicate) cancel(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := r.do(ctx, http.MethodPost, r.baseURL+"/predictions/"+url.PathEscape(id)+"/cancel", nil); err != nil {
		slog.Warn("canceling timed out prediction", "prediction_id", id, "error", err)
	}
}

func (r *Replicate) do(ctx context.Context, method, endpoint string, body []byte) (*prediction, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		if method == http.MethodGet {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		// A dropped POST may still have created a prediction; sending it
		// again could start a second billed job.
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	defer resp.Body.Close()

	if err := mapHTTPError(resp, method); err != nil {
		return nil, err
	}

	var p prediction
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decoding prediction: %w", err)
	}
	return &p, nil
}

func mapHTTPError(resp *http.Response, method string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode == http.StatusServiceUnavailable:
		return ErrUnavailable
	case resp.StatusCode >= 500 && method == http.MethodGet:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return ErrAuthFailed
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: status %d: %s", ErrInvalidRequest, resp.StatusCode, strings.TrimSpace(string(body)))
	default:
		return fmt.Errorf("%w: status %d", ErrGenerationFailed, resp.StatusCode)
	}
}

func (r *Replicate) imageURL(p *prediction) (string, error) {
	var raw string

	var list []string
	if err := json.Unmarshal(p.Output, &list); err == nil && len(list) > 0 {
		raw = list[0]
	} else if err := json.Unmarshal(p.Output, &raw); err != nil || raw == "" {
		return "", fmt.Errorf("%w: prediction %s succeeded without an image", ErrGenerationFailed, p.ID)
	}

	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || !r.hostAllowed(u.Hostname()) {
		return "", fmt.Errorf("%w: prediction %s returned untrusted image url %q", ErrGenerationFailed, p.ID, raw)
	}
	return raw, nil
}

func (r *Replicate) hostAllowed(host string) bool {
	for _, d := range r.allowedDomains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
