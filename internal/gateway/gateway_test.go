package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/estately/client-go/internal/token"
)

// fakeAPI is a minimal auth + data server. Access tokens in validTokens
// are accepted on /data; a refresh with refreshToken mints nextAccess.
type fakeAPI struct {
	mu           sync.Mutex
	validTokens  map[string]bool
	refreshToken string
	nextAccess   string
	rotateTo     string // when set, refresh responses rotate the refresh token
	refreshCalls int32
	dataCalls    int32
	authHeaders  []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{validTokens: map[string]bool{}}
}

func (f *fakeAPI) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/data", func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&f.dataCalls, 1)
		auth := req.Header.Get("Authorization")
		f.mu.Lock()
		f.authHeaders = append(f.authHeaders, auth)
		ok := f.validTokens[strings.TrimPrefix(auth, "Bearer ")]
		f.mu.Unlock()
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	})
	r.Post("/api/auth/refresh/", func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&f.refreshCalls, 1)
		var body struct {
			Refresh string `json:"refresh"`
		}
		json.NewDecoder(req.Body).Decode(&body)
		f.mu.Lock()
		defer f.mu.Unlock()
		if body.Refresh != f.refreshToken || f.nextAccess == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		f.validTokens[f.nextAccess] = true
		resp := map[string]string{"access": f.nextAccess}
		if f.rotateTo != "" {
			f.refreshToken = f.rotateTo
			resp["refresh"] = f.rotateTo
		}
		json.NewEncoder(w).Encode(resp)
	})
	return r
}

func get(t *testing.T, g *Gateway, url string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	return g.Do(req)
}

// TestDo_NoCredential verifies that without a stored pair no
// Authorization header is attached and a 401 triggers no refresh attempt.
func TestDo_NoCredential(t *testing.T) {
	api := newFakeAPI()
	srv := httptest.NewServer(api.router())
	defer srv.Close()

	g := New(token.NewStore(), srv.URL+"/api/auth/refresh/")

	resp, err := get(t, g, srv.URL+"/data")
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 passthrough, got %d", resp.StatusCode)
	}
	if n := atomic.LoadInt32(&api.refreshCalls); n != 0 {
		t.Errorf("expected no refresh attempts, got %d", n)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if api.authHeaders[0] != "" {
		t.Errorf("expected no Authorization header, got %q", api.authHeaders[0])
	}
}

// TestDo_ValidToken verifies the happy path: token attached, response
// returned unchanged.
func TestDo_ValidToken(t *testing.T) {
	api := newFakeAPI()
	api.validTokens["good"] = true
	srv := httptest.NewServer(api.router())
	defer srv.Close()

	store := token.NewStore()
	store.Set(token.Pair{Access: "good", Refresh: "r1"})
	g := New(store, srv.URL+"/api/auth/refresh/")

	resp, err := get(t, g, srv.URL+"/data")
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if api.authHeaders[0] != "Bearer good" {
		t.Errorf("unexpected auth header %q", api.authHeaders[0])
	}
}

// TestDo_RefreshAndReplay verifies that a single 401 triggers exactly one
// refresh, one replay with the new token, and a stored rotated pair.
func TestDo_RefreshAndReplay(t *testing.T) {
	api := newFakeAPI()
	api.refreshToken = "r1"
	api.nextAccess = "fresh"
	api.rotateTo = "r2"
	srv := httptest.NewServer(api.router())
	defer srv.Close()

	store := token.NewStore()
	store.Set(token.Pair{Access: "stale", Refresh: "r1"})
	g := New(store, srv.URL+"/api/auth/refresh/")

	resp, err := get(t, g, srv.URL+"/data")
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 after replay, got %d", resp.StatusCode)
	}
	if n := atomic.LoadInt32(&api.refreshCalls); n != 1 {
		t.Errorf("expected exactly one refresh, got %d", n)
	}
	if n := atomic.LoadInt32(&api.dataCalls); n != 2 {
		t.Errorf("expected original + one replay, got %d data calls", n)
	}

	pair, ok := store.Current()
	if !ok {
		t.Fatal("expected stored pair after refresh")
	}
	if pair.Access != "fresh" || pair.Refresh != "r2" {
		t.Errorf("expected rotated pair, got %+v", pair)
	}
}

// TestDo_RefreshKeepsOldRefreshToken verifies that when the refresh
// response omits a new refresh token, the old one is kept.
func TestDo_RefreshKeepsOldRefreshToken(t *testing.T) {
	api := newFakeAPI()
	api.refreshToken = "r1"
	api.nextAccess = "fresh"
	srv := httptest.NewServer(api.router())
	defer srv.Close()

	store := token.NewStore()
	store.Set(token.Pair{Access: "stale", Refresh: "r1"})
	g := New(store, srv.URL+"/api/auth/refresh/")

	resp, err := get(t, g, srv.URL+"/data")
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if pair, _ := store.Current(); pair.Refresh != "r1" {
		t.Errorf("expected refresh token preserved, got %q", pair.Refresh)
	}
}

// TestDo_RefreshFailure verifies that a rejected refresh clears the store
// and fails the original request with ErrSessionExpired.
func TestDo_RefreshFailure(t *testing.T) {
	api := newFakeAPI() // no refreshToken configured: refresh always 401s
	srv := httptest.NewServer(api.router())
	defer srv.Close()

	store := token.NewStore()
	store.Set(token.Pair{Access: "stale", Refresh: "dead"})
	g := New(store, srv.URL+"/api/auth/refresh/")

	_, err := get(t, g, srv.URL+"/data")
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if _, ok := store.Current(); ok {
		t.Error("expected store cleared after failed refresh")
	}
}

// TestDo_SecondUnauthorized verifies that a 401 surviving the replay
// yields ErrSessionExpired rather than looping.
func TestDo_SecondUnauthorized(t *testing.T) {
	var refreshCalls, dataCalls int32
	r := chi.NewRouter()
	r.Get("/data", func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&dataCalls, 1)
		// Rejects every token, even freshly minted ones.
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
	r.Post("/api/auth/refresh/", func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&refreshCalls, 1)
		json.NewEncoder(w).Encode(map[string]string{"access": "fresh"})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	store := token.NewStore()
	store.Set(token.Pair{Access: "stale", Refresh: "r1"})
	g := New(store, srv.URL+"/api/auth/refresh/")

	_, err := get(t, g, srv.URL+"/data")
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired after second 401, got %v", err)
	}
	if n := atomic.LoadInt32(&refreshCalls); n != 1 {
		t.Errorf("expected exactly one refresh, got %d", n)
	}
	if n := atomic.LoadInt32(&dataCalls); n != 2 {
		t.Errorf("expected exactly one replay, got %d data calls", n)
	}
	if _, ok := store.Current(); ok {
		t.Error("expected store cleared after exhausted retry")
	}
}

// TestDo_ConcurrentRefreshSingleFlight verifies the single-flight
// invariant: N concurrent 401s produce exactly one refresh call and every
// request resolves with the new token.
func TestDo_ConcurrentRefreshSingleFlight(t *testing.T) {
	api := newFakeAPI()
	api.refreshToken = "r1"
	api.nextAccess = "fresh"
	srv := httptest.NewServer(api.router())
	defer srv.Close()

	store := token.NewStore()
	store.Set(token.Pair{Access: "stale", Refresh: "r1"})
	g := New(store, srv.URL+"/api/auth/refresh/")

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	codes := make([]int, n)
	start := make(chan struct{})

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			resp, err := get(t, g, srv.URL+"/data")
			errs[i] = err
			if err == nil {
				codes[i] = resp.StatusCode
				resp.Body.Close()
			}
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Errorf("request %d failed: %v", i, errs[i])
			continue
		}
		if codes[i] != http.StatusOK {
			t.Errorf("request %d got status %d", i, codes[i])
		}
	}
	if calls := atomic.LoadInt32(&api.refreshCalls); calls != 1 {
		t.Errorf("expected exactly one refresh call, got %d", calls)
	}
}

// TestDo_SkipsRefreshWhenTokenRotatedMidFlight verifies that a 401
// raced by a completed refresh replays with the newer stored token
// instead of spending the refresh token again.
func TestDo_SkipsRefreshWhenTokenRotatedMidFlight(t *testing.T) {
	store := token.NewStore()
	var refreshCalls, dataCalls int32
	r := chi.NewRouter()
	r.Get("/data", func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&dataCalls, 1)
		if req.Header.Get("Authorization") == "Bearer fresh" {
			w.Write([]byte(`{"ok":true}`))
			return
		}
		// Another caller finishes a refresh while this request is
		// still being served.
		store.Set(token.Pair{Access: "fresh", Refresh: "r2"})
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
	r.Post("/api/auth/refresh/", func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&refreshCalls, 1)
		json.NewEncoder(w).Encode(map[string]string{"access": "fresh"})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	store.Set(token.Pair{Access: "stale", Refresh: "r1"})
	g := New(store, srv.URL+"/api/auth/refresh/")

	resp, err := get(t, g, srv.URL+"/data")
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 after replay, got %d", resp.StatusCode)
	}
	if n := atomic.LoadInt32(&refreshCalls); n != 0 {
		t.Errorf("expected no refresh calls, got %d", n)
	}
	if n := atomic.LoadInt32(&dataCalls); n != 2 {
		t.Errorf("expected original + replay, got %d data calls", n)
	}
}

// TestDo_RateLimitPacesHost verifies that a limit configured for a host
// spaces successive requests to it.
func TestDo_RateLimitPacesHost(t *testing.T) {
	api := newFakeAPI()
	api.validTokens["good"] = true
	srv := httptest.NewServer(api.router())
	defer srv.Close()

	store := token.NewStore()
	store.Set(token.Pair{Access: "good", Refresh: "r1"})
	g := New(store, srv.URL+"/api/auth/refresh/")

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server URL: %v", err)
	}
	g.SetRateLimit(u.Host, rate.Limit(20), 1)

	start := time.Now()
	for i := 0; i < 3; i++ {
		resp, err := get(t, g, srv.URL+"/data")
		if err != nil {
			t.Fatalf("Do: %v", err)
		}
		resp.Body.Close()
	}

	// Burst 1 at 20 rps: the second and third requests each wait 50ms.
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("expected 3 requests spread over ~100ms, took %v", elapsed)
	}
	if n := atomic.LoadInt32(&api.dataCalls); n != 3 {
		t.Errorf("expected 3 data calls, got %d", n)
	}
}

// TestDo_ReplaysRequestBody verifies that a POST body is re-sent intact
// on the automatic retry.
func TestDo_ReplaysRequestBody(t *testing.T) {
	var bodies []string
	var mu sync.Mutex
	r := chi.NewRouter()
	r.Post("/echo", func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()
		if req.Header.Get("Authorization") != "Bearer fresh" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})
	r.Post("/api/auth/refresh/", func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"access": "fresh"})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	store := token.NewStore()
	store.Set(token.Pair{Access: "stale", Refresh: "r1"})
	g := New(store, srv.URL+"/api/auth/refresh/")

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/echo", strings.NewReader("payload"))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := g.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Errorf("expected 201, got %d", resp.StatusCode)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 2 || bodies[0] != "payload" || bodies[1] != "payload" {
		t.Errorf("expected body replayed twice, got %q", bodies)
	}
}
