package geocoding

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/estately/client-go/internal/provider"
)

// Doer dispatches HTTP requests; the auth gateway satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// userAgent identifies the client to Nominatim, whose usage policy
// requires one.
const userAgent = "estately-client/1.0"

// lookupTimeout bounds a single reverse lookup. Enrichment is
// best-effort; a slow geocoder must not stall a submission.
const lookupTimeout = 5 * time.Second

// Client wraps a Nominatim-compatible reverse geocoding service.
type Client struct {
	baseURL string
	doer    Doer
	breaker *gobreaker.CircuitBreaker
}

// NewClient creates a geocoding client against baseURL.
func NewClient(baseURL string, doer Doer) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		doer:    doer,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     "geocoding",
			Interval: 30 * time.Second,
			Timeout:  15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
		}),
	}
}

type reverseResponse struct {
	DisplayName string `json:"display_name"`
	Address     struct {
		Road    string `json:"road"`
		City    string `json:"city"`
		Town    string `json:"town"`
		Village string `json:"village"`
		State   string `json:"state"`
	} `json:"address"`
}

// ReverseLookup converts coordinates into a human-readable address line.
func (c *Client) ReverseLookup(ctx context.Context, lat, lng float64) (string, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.reverse(ctx, lat, lng)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (c *Client) reverse(ctx context.Context, lat, lng float64) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("format", "json")
	q.Set("lat", fmt.Sprintf("%.6f", lat))
	q.Set("lon", fmt.Sprintf("%.6f", lng))
	endpoint := c.baseURL + "/reverse?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build reverse request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := c.doer.Do(req)
	if err != nil {
		provider.LogError("geocoding", "reverse", err)
		return "", fmt.Errorf("reverse lookup: %w", err)
	}
	defer resp.Body.Close()
	provider.LogResponse("geocoding", resp.StatusCode, time.Since(start))

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("reverse lookup: status %d", resp.StatusCode)
	}

	var rev reverseResponse
	if err := json.NewDecoder(resp.Body).Decode(&rev); err != nil {
		return "", fmt.Errorf("decode reverse response: %w", err)
	}

	address := condense(rev)
	if address == "" {
		return "", fmt.Errorf("no address for %.6f,%.6f", lat, lng)
	}
	return address, nil
}

// condense builds a short "road, city, state" line, falling back to the
// full display name when the structured parts are missing.
func condense(rev reverseResponse) string {
	var parts []string
	if rev.Address.Road != "" {
		parts = append(parts, rev.Address.Road)
	}
	switch {
	case rev.Address.City != "":
		parts = append(parts, rev.Address.City)
	case rev.Address.Town != "":
		parts = append(parts, rev.Address.Town)
	case rev.Address.Village != "":
		parts = append(parts, rev.Address.Village)
	}
	if rev.Address.State != "" {
		parts = append(parts, rev.Address.State)
	}
	if len(parts) == 0 {
		return rev.DisplayName
	}
	return strings.Join(parts, ", ")
}
