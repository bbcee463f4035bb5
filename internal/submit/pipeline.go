package submit

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/estately/client-go/internal/property"
	"github.com/estately/client-go/internal/provider"
	"github.com/estately/client-go/internal/verify"
)

// ErrNoMedia is returned before any network call when a draft carries no
// media files.
var ErrNoMedia = errors.New("at least one media file is required")

// InvalidMediaError rejects a media file locally, before any upload.
type InvalidMediaError struct {
	Name   string
	Reason string
}

func (e *InvalidMediaError) Error() string {
	return fmt.Sprintf("media file %q: %s", e.Name, e.Reason)
}

// VerificationError means the verification service rejected the media.
// No property is created.
type VerificationError struct {
	Reason string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("media verification failed: %s", e.Reason)
}

// PersistenceError means the verified draft could not be stored. The
// draft is left intact so the caller may resubmit; the upload transport
// is not resumable, so resubmission re-runs verification.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting property failed: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Verifier screens submission media.
type Verifier interface {
	Validate(ctx context.Context, files []property.MediaFile) (*verify.Result, error)
}

// Geocoder resolves coordinates to an address line.
type Geocoder interface {
	ReverseLookup(ctx context.Context, lat, lng float64) (string, error)
}

// Creator persists a validated draft.
type Creator interface {
	Create(ctx context.Context, draft *property.Draft) (*property.Property, error)
}

// Pipeline drives a draft through verification, enrichment and
// persistence, strictly in that order.
type Pipeline struct {
	verifier   Verifier
	geocoder   Geocoder
	properties Creator
}

// New creates a submission pipeline over the three collaborators.
func New(v Verifier, g Geocoder, c Creator) *Pipeline {
	return &Pipeline{verifier: v, geocoder: g, properties: c}
}

// Submit runs the draft through all stages and returns the created
// property, pending moderation. Verification is a mandatory gate:
// persistence is never attempted for rejected media. Geocoding is
// best-effort; its failures are logged and the user-supplied location
// text is kept. Cancelling ctx stops the pipeline between stages.
func (p *Pipeline) Submit(ctx context.Context, draft *property.Draft) (*property.Property, error) {
	if len(draft.Media) == 0 {
		return nil, ErrNoMedia
	}
	if err := validateMedia(draft.Media); err != nil {
		return nil, err
	}

	log := provider.Logger().WithFields(logrus.Fields{
		"submission": uuid.NewString(),
		"title":      draft.Title,
		"media":      len(draft.Media),
	})
	log.Info("submission started")

	result, err := p.verifier.Validate(ctx, draft.Media)
	if err != nil {
		return nil, fmt.Errorf("media verification: %w", err)
	}
	if result.Status == verify.StatusRejected {
		log.WithField("reason", result.Message).Info("submission rejected by verification")
		return nil, &VerificationError{Reason: result.Message}
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("submission abandoned: %w", err)
	}

	p.enrichLocation(ctx, draft, log)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("submission abandoned: %w", err)
	}

	created, err := p.properties.Create(ctx, draft)
	if err != nil {
		log.WithError(err).Warn("persistence failed")
		return nil, &PersistenceError{Err: err}
	}

	log.WithField("property_id", created.ID).Info("submission persisted")
	return created, nil
}

// imageExtensions are the formats the verification service screens.
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
}

// validateMedia screens file names and contents locally so an obviously
// bad batch never reaches the verification service.
func validateMedia(media []property.MediaFile) error {
	for _, f := range media {
		if f.Name == "" {
			return &InvalidMediaError{Name: f.Name, Reason: "missing file name"}
		}
		if len(f.Data) == 0 {
			return &InvalidMediaError{Name: f.Name, Reason: "empty file"}
		}
		if ext := strings.ToLower(filepath.Ext(f.Name)); !imageExtensions[ext] {
			return &InvalidMediaError{Name: f.Name, Reason: fmt.Sprintf("unsupported format %q", ext)}
		}
	}
	return nil
}

// enrichLocation replaces the draft's location text with a reverse
// geocoded address when coordinates are present and the text has not
// been confirmed. Never fails the submission.
func (p *Pipeline) enrichLocation(ctx context.Context, draft *property.Draft, log *logrus.Entry) {
	if draft.Latitude == nil || draft.Longitude == nil || draft.LocationResolved {
		return
	}

	address, err := p.geocoder.ReverseLookup(ctx, *draft.Latitude, *draft.Longitude)
	if err != nil {
		provider.LogError("geocoding", "reverse lookup", err)
		return
	}

	log.WithField("address", address).Debug("location enriched")
	draft.Location = address
	draft.LocationResolved = true
}
