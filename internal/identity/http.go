package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HTTPDirectory ходит в удаленный справочник: GET {base}/wallets/{address} → {"address","name"}.
type HTTPDirectory struct {
	baseURL string
	client  *http.Client
}

func NewHTTPDirectory(baseURL string, timeout time.Duration) *HTTPDirectory {
	return &HTTPDirectory{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type walletRecord struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

func (d *HTTPDirectory) Lookup(ctx context.Context, address string) (string, error) {
	endpoint := d.baseURL + "/wallets/" + url.PathEscape(address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("identity: failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("identity: directory call failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", ErrUnknownAddress
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &ThrottleError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Cause:      fmt.Errorf("directory returned %d", resp.StatusCode),
		}
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("identity: directory returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var rec walletRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return "", fmt.Errorf("identity: failed to decode directory response: %w", err)
	}
	if rec.Name == "" {
		return "", ErrUnknownAddress
	}
	return rec.Name, nil
}

// parseRetryAfter понимает только секунды; по умолчанию ждем секунду.
func parseRetryAfter(v string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Second
}
