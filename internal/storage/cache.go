// cache.go - In-memory TTL cache for organization bank details and donation services

package storage

import (
	"context"
	"sync"
	"time"

	"github.com/reliefline/donation_verifier/internal/domain"
)

// DefaultReferenceTTL is how long a reference record is served from memory.
const DefaultReferenceTTL = 5 * time.Minute

// ReferenceSource is where the cache loads records from on a miss.
type ReferenceSource interface {
	GetOrganizationBankDetails(ctx context.Context, organizationID string) (*domain.OrganizationBankDetails, error)
	GetDonationService(ctx context.Context, serviceID string) (*domain.DonationService, error)
}

type cacheEntry[T any] struct {
	value    *T
	loadedAt time.Time
}

// ReferenceCache serves reference reads from memory for ttl. Misses and
// errors are not cached.
type ReferenceCache struct {
	source ReferenceSource
	ttl    time.Duration
	now    func() time.Time

	mu       sync.RWMutex
	orgs     map[string]cacheEntry[domain.OrganizationBankDetails]
	services map[string]cacheEntry[domain.DonationService]
}

func NewReferenceCache(source ReferenceSource, ttl time.Duration) *ReferenceCache {
	if ttl <= 0 {
		ttl = DefaultReferenceTTL
	}
	return &ReferenceCache{
		source:   source,
		ttl:      ttl,
		now:      time.Now,
		orgs:     make(map[string]cacheEntry[domain.OrganizationBankDetails]),
		services: make(map[string]cacheEntry[domain.DonationService]),
	}
}

// GetOrganizationBankDetails retrieves bank details from cache or loads from the source
func (c *ReferenceCache) GetOrganizationBankDetails(ctx context.Context, organizationID string) (*domain.OrganizationBankDetails, error) {
	return getOrLoad(c, c.orgs, organizationID, func() (*domain.OrganizationBankDetails, error) {
		return c.source.GetOrganizationBankDetails(ctx, organizationID)
	})
}

// GetDonationService retrieves a service from cache or loads from the source
func (c *ReferenceCache) GetDonationService(ctx context.Context, serviceID string) (*domain.DonationService, error) {
	return getOrLoad(c, c.services, serviceID, func() (*domain.DonationService, error) {
		return c.source.GetDonationService(ctx, serviceID)
	})
}

func getOrLoad[T any](c *ReferenceCache, entries map[string]cacheEntry[T], key string, load func() (*T, error)) (*T, error) {
	c.mu.RLock()
	entry, exists := entries[key]
	c.mu.RUnlock()

	if exists && c.now().Sub(entry.loadedAt) < c.ttl {
		return entry.value, nil
	}

	// Load outside the lock; two concurrent misses both hit the source
	value, err := load()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	entries[key] = cacheEntry[T]{value: value, loadedAt: c.now()}
	c.mu.Unlock()

	return value, nil
}

// Invalidate drops everything cached for an organization or service id.
func (c *ReferenceCache) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.orgs, id)
	delete(c.services, id)
}

// Clear removes all cached data
func (c *ReferenceCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.orgs)
	clear(c.services)
}
