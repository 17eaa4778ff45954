// Package registry is the marketplace directory of provider offers. An offer
// advertises a metered service: what it costs per usage unit, the usage range
// an escrow may be opened for, and where the delivered credential grants
// access. Consumers browse offers to decide which provider to open an escrow
// against; the escrow ledger itself never reads the directory.
package registry

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/DaveO280/Diem-Marketplace/internal/idgen"
	"github.com/DaveO280/Diem-Marketplace/internal/security"
	"github.com/DaveO280/Diem-Marketplace/internal/usdc"
	"github.com/DaveO280/Diem-Marketplace/internal/validation"
)

var (
	// ErrNotFound is returned when an offer doesn't exist.
	ErrNotFound = errors.New("registry: offer not found")
	// ErrNotOwner is returned when a caller mutates another provider's offer.
	ErrNotOwner = errors.New("registry: caller does not own this offer")
	// ErrInvalidOffer is returned when offer fields fail validation.
	ErrInvalidOffer = errors.New("registry: invalid offer")
)

// Offer is a provider's advertised metered service.
type Offer struct {
	ID          string `json:"id"`
	Provider    string `json:"provider"` // lowercase wallet address
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`

	// PricePerUnit is the advertised USDC cost of one usage unit. Informational:
	// the escrow amount is agreed per-escrow, not derived from the offer.
	PricePerUnit string `json:"pricePerUnit"`
	// MinUnits/MaxUnits bound the usage limit the provider will accept.
	MinUnits int64 `json:"minUnits"`
	MaxUnits int64 `json:"maxUnits"`

	// Endpoint is where the delivered credential grants access.
	Endpoint string `json:"endpoint,omitempty"`

	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Query selects offers for listing. Zero fields are ignored.
type Query struct {
	Provider      string // exact provider address
	Search        string // case-insensitive substring of label/description
	ActiveOnly    bool
	CreatedBefore time.Time // cursor: records created strictly before
	BeforeID      string    // cursor tiebreaker for equal timestamps
	Limit         int
}

// Store persists offers.
type Store interface {
	Create(ctx context.Context, o *Offer) error
	Get(ctx context.Context, id string) (*Offer, error)
	Update(ctx context.Context, o *Offer) error
	List(ctx context.Context, q Query) ([]*Offer, error)
}

// UpsertRequest carries the caller-supplied offer fields.
type UpsertRequest struct {
	Label        string `json:"label" binding:"required"`
	Description  string `json:"description"`
	PricePerUnit string `json:"pricePerUnit" binding:"required"`
	MinUnits     int64  `json:"minUnits"`
	MaxUnits     int64  `json:"maxUnits" binding:"required"`
	Endpoint     string `json:"endpoint"`
}

// Service owns offer validation and ownership checks.
type Service struct {
	store Store
}

// NewService creates the offer directory service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Publish creates a new active offer owned by the calling provider.
func (s *Service) Publish(ctx context.Context, provider string, req UpsertRequest) (*Offer, error) {
	if err := validate(&req); err != nil {
		return nil, err
	}

	now := time.Now()
	offer := &Offer{
		ID:           idgen.WithPrefix("off_"),
		Provider:     strings.ToLower(provider),
		Label:        validation.SanitizeString(req.Label, 200),
		Description:  validation.SanitizeString(req.Description, validation.MaxStringLength),
		PricePerUnit: req.PricePerUnit,
		MinUnits:     req.MinUnits,
		MaxUnits:     req.MaxUnits,
		Endpoint:     validation.SanitizeString(req.Endpoint, 500),
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if offer.MinUnits <= 0 {
		offer.MinUnits = 1
	}

	if err := s.store.Create(ctx, offer); err != nil {
		return nil, err
	}
	return offer, nil
}

// Update replaces the mutable fields of a caller-owned offer.
func (s *Service) Update(ctx context.Context, caller, id string, req UpsertRequest) (*Offer, error) {
	if err := validate(&req); err != nil {
		return nil, err
	}

	offer, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(offer.Provider, caller) {
		return nil, ErrNotOwner
	}

	offer.Label = validation.SanitizeString(req.Label, 200)
	offer.Description = validation.SanitizeString(req.Description, validation.MaxStringLength)
	offer.PricePerUnit = req.PricePerUnit
	offer.MinUnits = req.MinUnits
	offer.MaxUnits = req.MaxUnits
	offer.Endpoint = validation.SanitizeString(req.Endpoint, 500)
	if offer.MinUnits <= 0 {
		offer.MinUnits = 1
	}
	offer.UpdatedAt = time.Now()

	if err := s.store.Update(ctx, offer); err != nil {
		return nil, err
	}
	return offer, nil
}

// Retire deactivates a caller-owned offer. The record stays queryable so
// escrows opened against it keep their context.
func (s *Service) Retire(ctx context.Context, caller, id string) (*Offer, error) {
	offer, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(offer.Provider, caller) {
		return nil, ErrNotOwner
	}

	offer.Active = false
	offer.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, offer); err != nil {
		return nil, err
	}
	return offer, nil
}

// Get returns the offer with the given ID.
func (s *Service) Get(ctx context.Context, id string) (*Offer, error) {
	return s.store.Get(ctx, id)
}

// List returns offers matching the query, newest first.
func (s *Service) List(ctx context.Context, q Query) ([]*Offer, error) {
	return s.store.List(ctx, q)
}

func validate(req *UpsertRequest) error {
	if strings.TrimSpace(req.Label) == "" {
		return ErrInvalidOffer
	}
	price, ok := usdc.Parse(req.PricePerUnit)
	if !ok || price.Sign() <= 0 {
		return ErrInvalidOffer
	}
	if req.MaxUnits <= 0 || (req.MinUnits > 0 && req.MinUnits > req.MaxUnits) {
		return ErrInvalidOffer
	}
	if req.Endpoint != "" {
		if err := security.ValidateEndpointURL(req.Endpoint); err != nil {
			return ErrInvalidOffer
		}
	}
	return nil
}
