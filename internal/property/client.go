package property

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/estately/client-go/internal/provider"
)

// Doer dispatches HTTP requests; the auth gateway satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

var (
	ErrNotFound  = errors.New("property not found")
	ErrForbidden = errors.New("forbidden")
)

// Client talks to the property service's CRUD and moderation endpoints.
type Client struct {
	baseURL string
	doer    Doer
}

// NewClient creates a property client against the API base URL.
func NewClient(baseURL string, doer Doer) *Client {
	return &Client{baseURL: baseURL, doer: doer}
}

// List returns the publicly visible (approved) properties.
func (c *Client) List(ctx context.Context) ([]Property, error) {
	return c.list(ctx, c.baseURL+"/api/properties/")
}

// ListMine returns the caller's own properties in every moderation state.
func (c *Client) ListMine(ctx context.Context) ([]Property, error) {
	return c.list(ctx, c.baseURL+"/api/properties/?mine=true")
}

// ListAll returns every property regardless of state. Staff only; the
// service answers 403 otherwise.
func (c *Client) ListAll(ctx context.Context) ([]Property, error) {
	return c.list(ctx, c.baseURL+"/api/properties/?admin=true")
}

func (c *Client) list(ctx context.Context, url string) ([]Property, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build list request: %w", err)
	}
	var out []Property
	if err := c.doJSON(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Get fetches one property by id.
func (c *Client) Get(ctx context.Context, id int64) (*Property, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.itemURL(id), nil)
	if err != nil {
		return nil, fmt.Errorf("build get request: %w", err)
	}
	var out Property
	if err := c.doJSON(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Create submits a draft with its media as multipart form data. The
// created property starts out pending moderation.
func (c *Client) Create(ctx context.Context, draft *Draft) (*Property, error) {
	body := &bytes.Buffer{}
	form := multipart.NewWriter(body)

	fields := map[string]string{
		"title":       draft.Title,
		"description": draft.Description,
		"price":       draft.Price.String(),
		"location":    draft.Location,
	}
	if draft.Latitude != nil {
		fields["latitude"] = strconv.FormatFloat(*draft.Latitude, 'f', 6, 64)
	}
	if draft.Longitude != nil {
		fields["longitude"] = strconv.FormatFloat(*draft.Longitude, 'f', 6, 64)
	}
	for name, value := range fields {
		if err := form.WriteField(name, value); err != nil {
			return nil, fmt.Errorf("encode form field %s: %w", name, err)
		}
	}
	for _, media := range draft.Media {
		part, err := form.CreateFormFile("images", media.Name)
		if err != nil {
			return nil, fmt.Errorf("encode media %s: %w", media.Name, err)
		}
		if _, err := part.Write(media.Data); err != nil {
			return nil, fmt.Errorf("encode media %s: %w", media.Name, err)
		}
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("finalize form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/properties/", bytes.NewReader(body.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("build create request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	var out Property
	if err := c.doJSON(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Update edits a property's fields. The service resets the moderation
// status to pending, so an edited listing goes back through review.
func (c *Client) Update(ctx context.Context, id int64, fields Fields) (*Property, error) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.itemURL(id), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build update request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out Property
	if err := c.doJSON(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete removes a property. Owner only.
func (c *Client) Delete(ctx context.Context, id int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.itemURL(id), nil)
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}
	return c.doJSON(req, nil)
}

// Approve marks a property approved. Staff only.
func (c *Client) Approve(ctx context.Context, id int64) (*Property, error) {
	return c.transition(ctx, id, "approve")
}

// Reject marks a property rejected. Staff only.
func (c *Client) Reject(ctx context.Context, id int64) (*Property, error) {
	return c.transition(ctx, id, "reject")
}

func (c *Client) transition(ctx context.Context, id int64, action string) (*Property, error) {
	url := fmt.Sprintf("%s/api/properties/%d/%s/", c.baseURL, id, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", action, err)
	}
	var out Property
	if err := c.doJSON(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) itemURL(id int64) string {
	return fmt.Sprintf("%s/api/properties/%d/", c.baseURL, id)
}

// doJSON dispatches req, maps error statuses, and decodes a JSON body
// into out when out is non-nil.
func (c *Client) doJSON(req *http.Request, out interface{}) error {
	start := time.Now()
	resp, err := c.doer.Do(req)
	if err != nil {
		return fmt.Errorf("property service: %w", err)
	}
	defer resp.Body.Close()
	provider.LogResponse("property", resp.StatusCode, time.Since(start))

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return ErrForbidden
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("property service: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode property response: %w", err)
	}
	return nil
}
