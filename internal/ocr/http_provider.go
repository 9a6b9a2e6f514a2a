package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/lexflow/lexflow/internal/pipeline/retry"
)

// HTTPProvider talks to a remote OCR service over its JSON API.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

var _ Provider = (*HTTPProvider)(nil)

func NewHTTPProvider(baseURL string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type startJobRequest struct {
	Input            JobInput `json:"input"`
	IdempotencyToken string   `json:"idempotency_token"`
}

type startJobResponse struct {
	JobID string `json:"job_id"`
}

func (p *HTTPProvider) StartJob(ctx context.Context, input JobInput, idempotencyToken string) (string, error) {
	body, err := json.Marshal(startJobRequest{Input: input, IdempotencyToken: idempotencyToken})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", retry.Transient(fmt.Errorf("starting remote job: %w", err))
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode, "start job"); err != nil {
		return "", err
	}

	var out startJobResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", retry.Transient(fmt.Errorf("decoding start response: %w", err))
	}
	if out.JobID == "" {
		return "", retry.Transient(fmt.Errorf("start job: empty job id"))
	}
	return out.JobID, nil
}

func (p *HTTPProvider) GetJobStatus(ctx context.Context, jobID string, pageToken string) (StatusPage, error) {
	endpoint := fmt.Sprintf("%s/v1/jobs/%s", p.baseURL, url.PathEscape(jobID))
	if pageToken != "" {
		endpoint += "?page_token=" + url.QueryEscape(pageToken)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return StatusPage{}, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return StatusPage{}, retry.Transient(fmt.Errorf("polling remote job: %w", err))
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode, "get job status"); err != nil {
		return StatusPage{}, err
	}

	var page StatusPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return StatusPage{}, retry.Transient(fmt.Errorf("decoding status response: %w", err))
	}
	return page, nil
}

// classifyStatus maps HTTP status codes onto the retry taxonomy: 4xx is
// a permanent provider rejection, everything else non-2xx is transient.
func classifyStatus(code int, op string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code >= 400 && code < 500:
		return retry.Permanent(fmt.Errorf("%s: provider rejected request with status %d", op, code))
	default:
		return retry.Transient(fmt.Errorf("%s: provider returned status %d", op, code))
	}
}
