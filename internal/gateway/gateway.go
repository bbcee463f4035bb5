package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/estately/client-go/internal/provider"
	"github.com/estately/client-go/internal/token"
)

// ErrSessionExpired is returned when the access token is rejected and the
// refresh token can no longer be exchanged. The caller must re-authenticate.
var ErrSessionExpired = errors.New("session expired: re-authentication required")

// RequestError wraps transport faults that prevented a response from
// being obtained at all. Server error responses are not errors at this
// layer; callers interpret the status code.
type RequestError struct {
	Op  string
	Err error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request failed (%s): %v", e.Op, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Gateway issues every outbound request for the client. It attaches the
// current bearer token, recovers from a single authorization failure by
// exchanging the refresh token, and replays the failed request once.
type Gateway struct {
	store      *token.Store
	refreshURL string
	httpClient *http.Client
	refresh    singleflight.Group

	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

// New creates a gateway around store. refreshURL is the auth service's
// token refresh endpoint.
func New(store *token.Store, refreshURL string) *Gateway {
	return &Gateway{
		store:      store,
		refreshURL: refreshURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiters:   map[string]*rate.Limiter{},
	}
}

// SetRateLimit paces outbound requests to host. Nominatim's usage policy
// allows at most one request per second, so the geocoding host must be
// limited accordingly; hosts without a limit are not paced.
func (g *Gateway) SetRateLimit(host string, r rate.Limit, burst int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limiters[host] = rate.NewLimiter(r, burst)
}

func (g *Gateway) limiter(host string) *rate.Limiter {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.limiters[host]
}

// Do dispatches req with the stored access token attached. On a 401 it
// refreshes the credentials (at most one refresh in flight across all
// callers) and replays the request once. A 401 that survives the replay,
// or a failed refresh, yields ErrSessionExpired with the store cleared.
//
// Request bodies must be replayable: requests built with
// http.NewRequest from a *bytes.Reader, *bytes.Buffer or *strings.Reader
// carry GetBody automatically.
func (g *Gateway) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	if l := g.limiter(req.URL.Host); l != nil {
		if err := l.Wait(ctx); err != nil {
			return nil, &RequestError{Op: req.URL.Path, Err: err}
		}
	}

	pair, authenticated := g.store.Current()
	if authenticated {
		req.Header.Set("Authorization", "Bearer "+pair.Access)
	}

	start := time.Now()
	provider.LogRequest("gateway", req.Method, req.URL.String(), nil)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		provider.LogError("gateway", "dispatch", err)
		return nil, &RequestError{Op: req.URL.Path, Err: err}
	}
	provider.LogResponse("gateway", resp.StatusCode, time.Since(start))

	// Without a credential there is nothing to refresh; the caller gets
	// whatever the endpoint returned.
	if resp.StatusCode != http.StatusUnauthorized || !authenticated {
		return resp, nil
	}
	resp.Body.Close()

	// A concurrent caller may have refreshed while this request was in
	// flight; spend the refresh token only if the credential we sent is
	// still the stored one.
	if current, ok := g.store.Current(); !ok || current.Access == pair.Access {
		if err := g.refreshCredentials(ctx); err != nil {
			return nil, err
		}
	}

	fresh, ok := g.store.Current()
	if !ok {
		return nil, ErrSessionExpired
	}

	retry, err := replayableClone(req)
	if err != nil {
		return nil, &RequestError{Op: req.URL.Path, Err: err}
	}
	retry.Header.Set("Authorization", "Bearer "+fresh.Access)

	resp, err = g.httpClient.Do(retry)
	if err != nil {
		provider.LogError("gateway", "replay", err)
		return nil, &RequestError{Op: req.URL.Path, Err: err}
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		g.store.Clear()
		return nil, ErrSessionExpired
	}
	return resp, nil
}

// refreshCredentials exchanges the stored refresh token for a new access
// token. Concurrent callers share one in-flight exchange and its outcome;
// two 401s racing must not spend the refresh token twice.
func (g *Gateway) refreshCredentials(ctx context.Context) error {
	_, err, _ := g.refresh.Do("refresh", func() (interface{}, error) {
		pair, ok := g.store.Current()
		if !ok || pair.Refresh == "" {
			g.store.Clear()
			return nil, ErrSessionExpired
		}

		body, err := json.Marshal(map[string]string{"refresh": pair.Refresh})
		if err != nil {
			return nil, &RequestError{Op: "refresh", Err: err}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.refreshURL, bytes.NewReader(body))
		if err != nil {
			return nil, &RequestError{Op: "refresh", Err: err}
		}
		req.Header.Set("Content-Type", "application/json")

		provider.LogRequest("auth", http.MethodPost, g.refreshURL, nil)
		resp, err := g.httpClient.Do(req)
		if err != nil {
			provider.LogError("auth", "refresh", err)
			g.store.Clear()
			return nil, ErrSessionExpired
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			provider.LogError("auth", "refresh", fmt.Errorf("status %d", resp.StatusCode))
			g.store.Clear()
			return nil, ErrSessionExpired
		}

		var refreshed struct {
			Access  string `json:"access"`
			Refresh string `json:"refresh"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&refreshed); err != nil || refreshed.Access == "" {
			provider.LogError("auth", "refresh decode", err)
			g.store.Clear()
			return nil, ErrSessionExpired
		}

		next := token.Pair{Access: refreshed.Access, Refresh: pair.Refresh}
		// The server may rotate the refresh token; keep the old one when
		// it does not.
		if refreshed.Refresh != "" {
			next.Refresh = refreshed.Refresh
		}
		g.store.Set(next)
		return nil, nil
	})
	return err
}

// replayableClone duplicates req with a fresh body for the single retry.
func replayableClone(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.Body == nil || req.GetBody == nil {
		return clone, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("rewind request body: %w", err)
	}
	clone.Body = body
	return clone, nil
}
