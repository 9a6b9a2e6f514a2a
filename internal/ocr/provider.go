package ocr

import "context"

// ProviderStatus is the remote job status as reported by the provider.
type ProviderStatus string

const (
	ProviderStatusRunning        ProviderStatus = "running"
	ProviderStatusSucceeded      ProviderStatus = "succeeded"
	ProviderStatusFailed         ProviderStatus = "failed"
	ProviderStatusPartialSuccess ProviderStatus = "partial_success"
)

// Fragment is one recognized text fragment with its page and geometry.
// The provider's intrinsic ordering is per page, then top-to-bottom,
// then left-to-right.
type Fragment struct {
	Page       int     `json:"page"`
	Top        float64 `json:"top"`
	Left       float64 `json:"left"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// StatusPage is one page of a job status response. NextPageToken is
// empty on the last page.
type StatusPage struct {
	Status        ProviderStatus `json:"status"`
	Fragments     []Fragment     `json:"fragments,omitempty"`
	Warnings      []string       `json:"warnings,omitempty"`
	PageCount     int            `json:"page_count,omitempty"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

// JobInput locates the document content handed to the provider.
type JobInput struct {
	InputLocation string `json:"input_location"`
}

// Provider is the black-box remote OCR service. StartJob must be safe
// to re-invoke with the same idempotency token.
type Provider interface {
	StartJob(ctx context.Context, input JobInput, idempotencyToken string) (string, error)
	GetJobStatus(ctx context.Context, jobID string, pageToken string) (StatusPage, error)
}
