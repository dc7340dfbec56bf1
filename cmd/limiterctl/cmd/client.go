package cmd

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

// Client is the admin API HTTP client. The actor id is sent in the same
// trusted headers the auth gateway would inject, so limiterctl must be
// pointed at the service from inside the trusted network.
type Client struct {
	baseURL    string
	actor      string
	httpClient *http.Client
	verbose    bool
}

// NewClient creates a new admin API client.
func NewClient(baseURL, actor string, verbose bool) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		actor:   actor,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		verbose: verbose,
	}
}

// Do performs an HTTP request and returns the response body.
func (c *Client) Do(method, path string, body any) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(context.Background(), method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("X-Auth-User-ID", c.actor)
	req.Header.Set("X-Auth-Admin", "true")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if c.verbose {
		fmt.Printf(">>> %s %s\n", method, url)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if c.verbose {
		fmt.Printf("<<< %d %s\n", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	if resp.StatusCode >= 400 {
		return nil, parseAPIError(resp.StatusCode, respBody)
	}
	return respBody, nil
}

// Get performs a GET request.
func (c *Client) Get(path string) ([]byte, error) {
	return c.Do(http.MethodGet, path, nil)
}

// Post performs a POST request.
func (c *Client) Post(path string, body any) ([]byte, error) {
	return c.Do(http.MethodPost, path, body)
}

// APIError represents an error from the admin API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s (%d)", e.Code, e.StatusCode)
}

func parseAPIError(status int, body []byte) error {
	var payload struct {
		Code    string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Code == "" {
		return &APIError{StatusCode: status, Code: http.StatusText(status)}
	}
	return &APIError{StatusCode: status, Code: payload.Code, Message: payload.Message}
}

// printJSON pretty-prints a JSON response body.
func printJSON(data []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return nil
	}
	fmt.Println(buf.String())
	return nil
}
