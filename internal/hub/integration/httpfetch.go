package integration

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// NewHTTPFetch builds a FetchFunc that performs the real outbound call over
// a shared http.Client, honoring ctx's deadline (the per-probe timeout set
// by Executor.Execute).
func NewHTTPFetch(client *http.Client) FetchFunc {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return func(ctx context.Context, method, url string, headers map[string]string, body []byte) (*FetchResponse, error) {
		var reader io.Reader
		if len(body) > 0 {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("do request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}

		respHeaders := make(map[string]string, len(resp.Header))
		for k := range resp.Header {
			respHeaders[k] = resp.Header.Get(k)
		}

		return &FetchResponse{StatusCode: resp.StatusCode, Body: respBody, Headers: respHeaders}, nil
	}
}
