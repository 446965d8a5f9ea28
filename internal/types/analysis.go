package types

import "time"

// AnalyzeImageRequest is one billable image-analysis call. Image bytes are
// base64 in transit; UserAPIKey, when set, bypasses the credit ledger and the
// call is billed against the caller's own provider account.
type AnalyzeImageRequest struct {
	ImageData  []byte `json:"image_data"`
	MimeType   string `json:"mime_type"`
	Prompt     string `json:"prompt,omitempty"`
	UserAPIKey string `json:"user_api_key,omitempty"`
}

// AnalyzeImageResponse is the user-facing result plus billing references.
type AnalyzeImageResponse struct {
	Description      string   `json:"description"`
	Labels           []string `json:"labels,omitempty"`
	ModelUsed        string   `json:"model_used"`
	CreditsUsed      int      `json:"credits_used"`
	RemainingBalance int      `json:"remaining_balance"`
	LatencyMs        int      `json:"latency_ms"`
}

// AnalyzeBatchRequest groups several images into one billable unit of N calls.
type AnalyzeBatchRequest struct {
	Images     []AnalyzeImageRequest `json:"images"`
	UserAPIKey string                `json:"user_api_key,omitempty"`
}

// AnalyzeBatchResponse carries per-image results in request order.
type AnalyzeBatchResponse struct {
	Results          []AnalyzeImageResponse `json:"results"`
	CreditsUsed      int                    `json:"credits_used"`
	RemainingBalance int                    `json:"remaining_balance"`
}

// VisionResult is what the compute collaborator returns for one image.
type VisionResult struct {
	Description      string
	Labels           []string
	Model            string
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}
