package moderation

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/estately/client-go/internal/property"
	"github.com/estately/client-go/internal/provider"
	"github.com/estately/client-go/internal/session"
)

var (
	// ErrForbidden means the caller is not staff. The access guard stops
	// non-staff upstream; this is the second line of defense.
	ErrForbidden = errors.New("staff role required")

	// ErrInvalidTransition means the requested status change is not
	// allowed. Notably, a rejected property cannot be re-approved; it must
	// go through a fresh submission.
	ErrInvalidTransition = errors.New("transition not allowed")
)

// PropertyService is the slice of the property client the state machine
// needs.
type PropertyService interface {
	Get(ctx context.Context, id int64) (*property.Property, error)
	Approve(ctx context.Context, id int64) (*property.Property, error)
	Reject(ctx context.Context, id int64) (*property.Property, error)
}

// Machine applies moderation transitions. Valid transitions:
//
//	pending  -> approved
//	pending  -> rejected
//	approved -> rejected (unlisting)
//
// Repeating a transition the property has already made is a no-op
// success, so double-clicks and retries are harmless.
type Machine struct {
	properties PropertyService
}

// New creates a moderation state machine over the property service.
func New(ps PropertyService) *Machine {
	return &Machine{properties: ps}
}

// Approve moves a pending property to approved.
func (m *Machine) Approve(ctx context.Context, actor session.Session, id int64) (*property.Property, error) {
	if actor.Role != session.RoleStaff {
		return nil, ErrForbidden
	}

	current, err := m.properties.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load property %d: %w", id, err)
	}

	switch current.Status {
	case property.StatusApproved:
		return current, nil
	case property.StatusRejected:
		return nil, fmt.Errorf("approve property %d: %w", id, ErrInvalidTransition)
	}

	updated, err := m.properties.Approve(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("approve property %d: %w", id, err)
	}
	m.logTransition(actor, updated, current.Status)
	return updated, nil
}

// Reject moves a pending or approved property to rejected.
func (m *Machine) Reject(ctx context.Context, actor session.Session, id int64) (*property.Property, error) {
	if actor.Role != session.RoleStaff {
		return nil, ErrForbidden
	}

	current, err := m.properties.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load property %d: %w", id, err)
	}

	if current.Status == property.StatusRejected {
		return current, nil
	}

	updated, err := m.properties.Reject(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reject property %d: %w", id, err)
	}
	m.logTransition(actor, updated, current.Status)
	return updated, nil
}

func (m *Machine) logTransition(actor session.Session, p *property.Property, from property.Status) {
	fields := logrus.Fields{
		"property_id": p.ID,
		"from":        from,
		"to":          p.Status,
	}
	if actor.Identity != nil {
		fields["moderator"] = actor.Identity.Username
	}
	provider.Logger().WithFields(fields).Info("moderation transition")
}
