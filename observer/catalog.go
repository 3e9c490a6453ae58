package observer

import (
	"fmt"
)

// Catalog is the live view of a catalog handed to its observer once the
// catalog becomes visible
type Catalog interface {
	Name() string
	Version() int64
}

// CatalogObserver serves capture subscriptions of a single catalog. It only
// accepts registrations after the catalog became present in the live view.
type CatalogObserver struct {
	*registry
	catalog string
}

// NewCatalogObserver creates the observer of catalog, reading history from
// config.Source
func NewCatalogObserver(catalog string, config Config) *CatalogObserver {
	if config.Scope == "" {
		config.Scope = catalog
	}
	return &CatalogObserver{
		registry: newRegistry(config),
		catalog:  catalog,
	}
}

// Catalog returns the name of the observed catalog
func (o *CatalogObserver) Catalog() string {
	return o.catalog
}

// NotifyCatalogPresentInLiveView marks the catalog as visible at its current
// version. Later notifications only raise the visible version.
func (o *CatalogObserver) NotifyCatalogPresentInLiveView(c Catalog) error {
	if c.Name() != o.catalog {
		return fmt.Errorf("observer of catalog %q notified about %q", o.catalog, c.Name())
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if !o.present {
		o.goLive(c.Version())
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	o.NotifyVersionPresentInLiveView(c.Version())
	return nil
}

// IsPresent reports whether the catalog is visible
func (o *CatalogObserver) IsPresent() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.present
}
