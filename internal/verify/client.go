package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/estately/client-go/internal/property"
	"github.com/estately/client-go/internal/provider"
)

// Doer dispatches HTTP requests; the auth gateway satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Status is the verification verdict for a batch of media.
type Status string

const (
	StatusAccepted Status = "APPROVED"
	StatusRejected Status = "REJECTED"
)

// Result is the verification service's verdict. Message names the
// offending files on rejection.
type Result struct {
	Status      Status   `json:"status"`
	Message     string   `json:"message"`
	ValidImages []string `json:"valid_images"`
}

// Client uploads media to the verification service for screening.
type Client struct {
	baseURL string
	doer    Doer
}

// NewClient creates a verification client against baseURL.
func NewClient(baseURL string, doer Doer) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), doer: doer}
}

// Validate sends every media file in one multipart batch and returns the
// service's verdict. A verdict of rejected is not an error at this layer.
func (c *Client) Validate(ctx context.Context, files []property.MediaFile) (*Result, error) {
	body := &bytes.Buffer{}
	form := multipart.NewWriter(body)
	for _, f := range files {
		part, err := form.CreateFormFile("files", f.Name)
		if err != nil {
			return nil, fmt.Errorf("encode media %s: %w", f.Name, err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, fmt.Errorf("encode media %s: %w", f.Name, err)
		}
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("finalize form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/validate/", bytes.NewReader(body.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("build validate request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	start := time.Now()
	provider.LogRequest("verification", http.MethodPost, c.baseURL+"/validate/", map[string]interface{}{
		"files": len(files),
	})
	resp, err := c.doer.Do(req)
	if err != nil {
		provider.LogError("verification", "validate", err)
		return nil, fmt.Errorf("verification service: %w", err)
	}
	defer resp.Body.Close()
	provider.LogResponse("verification", resp.StatusCode, time.Since(start))

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("verification service: status %d", resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode verification response: %w", err)
	}
	if result.Status != StatusAccepted && result.Status != StatusRejected {
		return nil, fmt.Errorf("verification service: unknown status %q", result.Status)
	}
	return &result, nil
}
