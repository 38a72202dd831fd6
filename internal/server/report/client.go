package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/dmitrijs2005/scanreport/internal/common"
)

const renderPath = "/api/v1/render"

type Client struct {
	requestURL *url.URL
	client     *http.Client
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
	parsedURL.Path = renderPath

	return &Client{
		requestURL: parsedURL,
		client:     &http.Client{},
	}, nil
}

type renderRequest struct {
	Result json.RawMessage `json:"result"`
	URL    string          `json:"url"`
}

// Render posts the scan result and returns the rendered PDF bytes.
func (c *Client) Render(ctx context.Context, result json.RawMessage, targetURL string) ([]byte, error) {
	body, err := json.Marshal(renderRequest{Result: result, URL: targetURL})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.requestURL.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrorRenderer, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: %w", common.ErrorRenderer, &common.HTTPStatusError{
			StatusCode: resp.StatusCode,
			Detail:     string(detail),
		})
	}

	pdf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %w", common.ErrorRenderer, err)
	}
	if len(pdf) == 0 {
		return nil, fmt.Errorf("%w: received empty document", common.ErrorRenderer)
	}
	return pdf, nil
}
