package api

// QueryResponse represents the standard query response format
type QueryResponse struct {
	Data interface{} `json:"data"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string          `json:"status"`
	Components map[string]bool `json:"components"`
}

// RetryResponse is the body of a successful retry.
type RetryResponse struct {
	ID    string `json:"id"`
	JobID string `json:"job_id"`
}

// UploadResponse is the body of a successful upload.
type UploadResponse struct {
	RequestID string `json:"request_id"`
	DataHash  string `json:"data_hash"`
	Size      int    `json:"size"`
}
