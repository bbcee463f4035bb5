package property

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the moderation state of a persisted property.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Image is a stored media reference on a persisted property.
type Image struct {
	ID  int64  `json:"id"`
	URL string `json:"image"`
}

// Property is a persisted listing as returned by the property service.
type Property struct {
	ID          int64           `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Location    string          `json:"location"`
	Latitude    *float64        `json:"latitude,omitempty"`
	Longitude   *float64        `json:"longitude,omitempty"`
	Owner       string          `json:"owner"`
	Images      []Image         `json:"images"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
}

// MediaFile is one image blob attached to a submission before upload.
type MediaFile struct {
	Name string
	Data []byte
}

// Draft is an in-flight property submission. It exists only for the
// duration of one submission attempt.
type Draft struct {
	Title       string
	Description string
	Price       decimal.Decimal
	Location    string
	Latitude    *float64
	Longitude   *float64

	// LocationResolved marks the location text as confirmed against the
	// map pin, so enrichment can be skipped.
	LocationResolved bool

	Media []MediaFile
}

// Fields is a partial update of a property's editable fields. Nil members
// are left unchanged.
type Fields struct {
	Title       *string          `json:"title,omitempty"`
	Description *string          `json:"description,omitempty"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	Location    *string          `json:"location,omitempty"`
}
