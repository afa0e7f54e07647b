package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Controller operations
	SaveController(ctl *Controller) error
	GetController(serial string) (*Controller, error)
	DeleteController(serial string) error
	ListControllers() ([]*Controller, error)

	// Zone operations
	SaveZone(z *Zone) error
	GetZone(key string) (*Zone, error)
	DeleteZone(key string) error
	ListZones() ([]*Zone, error)

	// UpdateZone atomically reads, modifies, and saves a zone in a single
	// transaction. Returns ErrNotFound if the zone does not exist.
	UpdateZone(key string, fn func(z *Zone) error) error

	// Bridge identity
	SaveIdentity(id *Identity) error
	GetIdentity() (*Identity, error)

	// Close the store
	Close() error
}
