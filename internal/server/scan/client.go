// Package scan is the client for the external URL-scanning service: one
// endpoint to submit a URL, one to poll for the finished result.
package scan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Service is the scan collaborator contract consumed by the workflow
// engine. Poll returns ready=false (and no error) while the result is not
// available yet.
type Service interface {
	Submit(ctx context.Context, target string) (string, error)
	Poll(ctx context.Context, scanID string) (json.RawMessage, bool, error)
}

type Client struct {
	baseURL *url.URL
	client  *http.Client
}

func NewClient(serverURL string) (*Client, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")

	if parsedURL.Scheme == "" || parsedURL.Host == "" || parsedURL.Path != "" {
		return nil, errors.New("please define the server url with a scheme and without path, e.g. `http://some-url.com`")
	}

	return &Client{
		baseURL: parsedURL,
		client:  &http.Client{},
	}, nil
}

type submitRequest struct {
	URL string `json:"url"`
}

type submitResponse struct {
	ScanID string `json:"scanId"`
}

// Submit asks the scanning service to scan target and returns the external
// scan id. Non-2xx responses surface the status code so the retry policy
// can tell transient from permanent failures.
func (c *Client) Submit(ctx context.Context, target string) (string, error) {
	body, err := json.Marshal(submitRequest{URL: target})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("scans"), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", statusError(resp)
	}

	var sr submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("decoding json response failed: %w", err)
	}
	if sr.ScanID == "" {
		return "", errors.New("received unexpected body: empty scanId")
	}
	return sr.ScanID, nil
}

// Poll requests the result for scanID. The result service expresses "not
// ready yet" as HTTP 404; 200 carries the finished result; anything else
// is a hard error.
func (c *Client) Poll(ctx context.Context, scanID string) (json.RawMessage, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("scans", scanID, "result"), nil)
	if err != nil {
		return nil, false, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK:
		var result json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, false, fmt.Errorf("decoding json response failed: %w", err)
		}
		return result, true, nil
	case http.StatusNotFound:
		return nil, false, nil
	default:
		return nil, false, statusError(resp)
	}
}

func (c *Client) endpoint(parts ...string) string {
	u := *c.baseURL
	u.Path = "/api/v1/" + strings.Join(parts, "/")
	return u.String()
}
