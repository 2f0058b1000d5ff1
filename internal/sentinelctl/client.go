package sentinelctl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPClient wraps HTTP operations for coordinator API calls
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a new HTTP client for the coordinator API
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIResponse wraps the standard API response format
type APIResponse struct {
	Data interface{} `json:"data"`
	Meta *APIMeta    `json:"meta,omitempty"`
}

// APIMeta contains metadata about the response
type APIMeta struct {
	Total int `json:"total"`
}

// APIError represents an API error response
type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Get performs a GET request to the API
func (c *HTTPClient) Get(path string) ([]byte, error) {
	req, err := http.NewRequest("GET", c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to coordinator at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp.StatusCode, body)
	}

	return body, nil
}

// Post performs a POST request to the API
func (c *HTTPClient) Post(path string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequest("POST", c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to coordinator at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp.StatusCode, body)
	}

	return body, nil
}

// parseError parses HTTP error responses
func (c *HTTPClient) parseError(statusCode int, body []byte) error {
	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err != nil {
		// Fallback to generic error if JSON parsing fails
		switch statusCode {
		case http.StatusNotFound:
			return fmt.Errorf("resource not found")
		case http.StatusServiceUnavailable:
			return fmt.Errorf("coordinator service unavailable")
		default:
			return fmt.Errorf("server error (status %d)", statusCode)
		}
	}

	switch apiErr.Code {
	case "DEVICE_UNREACHABLE":
		return fmt.Errorf("device unreachable: %s", apiErr.Error)
	case "DELIVERY_FAILED":
		return fmt.Errorf("command delivery failed: %s", apiErr.Error)
	case "NOT_FOUND":
		return fmt.Errorf("resource not found: %s", apiErr.Error)
	case "BAD_REQUEST", "INVALID_ARTIFACT":
		return fmt.Errorf("invalid request: %s", apiErr.Error)
	default:
		return fmt.Errorf("server error: %s", apiErr.Error)
	}
}

// ParseResponse parses a JSON response into the target struct
func ParseResponse(body []byte, target interface{}) error {
	var resp APIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	// Re-marshal the data field and unmarshal into target
	dataBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return fmt.Errorf("failed to process response data: %w", err)
	}

	if err := json.Unmarshal(dataBytes, target); err != nil {
		return fmt.Errorf("failed to unmarshal response data: %w", err)
	}

	return nil
}
