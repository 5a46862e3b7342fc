// Package connector abstracts third-party logistics providers behind one
// capability interface. Implementations register by kind at init time; a
// configured connector binds a kind to credentials, and membership is
// validated when configuration loads, not when a shipment is in flight.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/trakka/payguard/internal/security"
)

var (
	ErrUnknownKind           = errors.New("unknown connector kind")
	ErrConnectorNotFound     = errors.New("connector not configured")
	ErrKindAlreadyRegistered = errors.New("connector kind already registered")
)

// QuoteRequest carries what providers price a delivery on.
type QuoteRequest struct {
	PickupAddress  string
	DropoffAddress string
	WeightKg       float64
}

// QuoteResult is a provider's offered fee and delivery estimate.
type QuoteResult struct {
	Amount string `json:"amount"`
	ETA    string `json:"eta"`
}

// ShipmentRequest carries the dispatch details a provider needs.
type ShipmentRequest struct {
	DispatchID     string
	OrderID        string
	BuyerName      string
	BuyerPhone     string
	PickupAddress  string
	DropoffAddress string
	WeightKg       float64
}

// TrackResult is the provider's view of a shipment.
type TrackResult struct {
	ProviderRef string `json:"providerRef"`
	Status      string `json:"status"`
	Raw         string `json:"raw,omitempty"`
}

// Connector is the capability surface every provider implements.
type Connector interface {
	Quote(ctx context.Context, req QuoteRequest) (*QuoteResult, error)
	CreateShipment(ctx context.Context, req ShipmentRequest) (string, error)
	Track(ctx context.Context, providerRef string) (*TrackResult, error)
	Cancel(ctx context.Context, providerRef string) (bool, error)
}

// Config is one configured provider connection.
type Config struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	APIKey        string `json:"-"`
	APISecret     string `json:"-"`
	WebhookSecret string `json:"-"`
	BaseURL       string `json:"baseUrl,omitempty"`
}

// Factory builds a connector from its configuration.
type Factory func(cfg Config) Connector

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a connector kind. Call from an implementation's init.
func Register(kind string, f Factory) error {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[kind]; exists {
		return fmt.Errorf("%w: %s", ErrKindAlreadyRegistered, kind)
	}
	registry[kind] = f
	return nil
}

// MustRegister is Register that panics, for init-time registration.
func MustRegister(kind string, f Factory) {
	if err := Register(kind, f); err != nil {
		panic(err)
	}
}

// New instantiates a connector for the given configuration.
func New(cfg Config) (Connector, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
	return f(cfg), nil
}

// Kinds returns the registered connector kinds, sorted.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Service holds the configured connectors, instantiated and validated at
// startup so an unknown kind fails configuration load instead of a job run.
type Service struct {
	configs    map[string]Config
	connectors map[string]Connector
}

// NewService validates every config against the registry and instantiates
// the connectors.
func NewService(configs []Config) (*Service, error) {
	s := &Service{
		configs:    make(map[string]Config, len(configs)),
		connectors: make(map[string]Connector, len(configs)),
	}
	for _, cfg := range configs {
		if cfg.ID == "" {
			return nil, errors.New("connector id is required")
		}
		if cfg.BaseURL != "" {
			if err := security.ValidateEndpointURL(cfg.BaseURL); err != nil {
				return nil, fmt.Errorf("connector %s: base url: %w", cfg.ID, err)
			}
		}
		c, err := New(cfg)
		if err != nil {
			return nil, fmt.Errorf("connector %s: %w", cfg.ID, err)
		}
		s.configs[cfg.ID] = cfg
		s.connectors[cfg.ID] = c
	}
	return s, nil
}

// Get returns the connector instance for an ID.
func (s *Service) Get(id string) (Connector, error) {
	c, ok := s.connectors[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrConnectorNotFound, id)
	}
	return c, nil
}

// Config returns the configuration for an ID.
func (s *Service) Config(id string) (Config, error) {
	cfg, ok := s.configs[id]
	if !ok {
		return Config{}, fmt.Errorf("%w: %q", ErrConnectorNotFound, id)
	}
	return cfg, nil
}

// WebhookSecret returns the inbound-signature secret for an ID.
func (s *Service) WebhookSecret(id string) (string, error) {
	cfg, err := s.Config(id)
	if err != nil {
		return "", err
	}
	return cfg.WebhookSecret, nil
}
