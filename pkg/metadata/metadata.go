// Fetchcore - Dataverse Access Core and SQL-to-FetchXML Transpiler
// Copyright 2026 Fetchcore Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fetchcore-dev/fetchcore

// Package metadata caches entity descriptors per environment.
//
// Descriptors are fetched lazily on first access and memoized for the life
// of the cache. Concurrent fetches for the same entity coalesce into one
// underlying request; invalidation drops entries without touching in-flight
// fetches.
package metadata

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/fetchcore-dev/fetchcore/pkg/faults"
	"github.com/fetchcore-dev/fetchcore/pkg/metrics"
)

// AttributeType classifies an attribute's semantic type as reported by the
// service.
type AttributeType string

const (
	TypeString           AttributeType = "String"
	TypeMemo             AttributeType = "Memo"
	TypeInteger          AttributeType = "Integer"
	TypeBigInt           AttributeType = "BigInt"
	TypeDecimal          AttributeType = "Decimal"
	TypeDouble           AttributeType = "Double"
	TypeMoney            AttributeType = "Money"
	TypeBoolean          AttributeType = "Boolean"
	TypeDateTime         AttributeType = "DateTime"
	TypeLookup           AttributeType = "Lookup"
	TypeOwner            AttributeType = "Owner"
	TypeCustomer         AttributeType = "Customer"
	TypePicklist         AttributeType = "Picklist"
	TypeState            AttributeType = "State"
	TypeStatus           AttributeType = "Status"
	TypeUniqueidentifier AttributeType = "Uniqueidentifier"
)

// IsReference reports whether values of this type point at other records.
func (t AttributeType) IsReference() bool {
	switch t {
	case TypeLookup, TypeOwner, TypeCustomer:
		return true
	}
	return false
}

// Attribute describes one attribute of an entity.
type Attribute struct {
	LogicalName string
	DisplayName string
	Type        AttributeType

	// IsCustom distinguishes customization-added attributes from system
	// ones.
	IsCustom bool

	// ValidForCreate and ValidForUpdate report whether the attribute may be
	// written on the respective operation.
	ValidForCreate bool
	ValidForUpdate bool

	// RequiredLevel is the service's requirement setting, e.g. "None",
	// "ApplicationRequired", "SystemRequired".
	RequiredLevel string

	// Targets lists the entities a reference attribute may point at.
	Targets []string

	// Options maps option-set values to their labels for Picklist, State,
	// and Status attributes.
	Options map[int64]string
}

// RelationshipKind identifies the direction of a relationship.
type RelationshipKind string

const (
	OneToMany  RelationshipKind = "OneToMany"
	ManyToOne  RelationshipKind = "ManyToOne"
	ManyToMany RelationshipKind = "ManyToMany"
)

// Relationship describes one relationship the entity participates in.
// Related entities are referenced by logical name only; descriptors never
// link to each other directly.
type Relationship struct {
	SchemaName string
	Kind       RelationshipKind
	// Related is the logical name of the entity on the other side.
	Related string
	// Intersect names the linking entity for many-to-many relationships;
	// empty otherwise.
	Intersect string
}

// AlternateKey is a named unique-attribute combination.
type AlternateKey struct {
	SchemaName string
	Attributes []string
}

// Entity is the cached descriptor for one entity.
type Entity struct {
	LogicalName          string
	DisplayName          string
	PrimaryIDAttribute   string
	PrimaryNameAttribute string

	// Ownership is the service's ownership flavor, e.g. "UserOwned" or
	// "OrganizationOwned".
	Ownership string

	Attributes    map[string]Attribute
	Relationships []Relationship
	Keys          []AlternateKey
}

// Attribute looks up an attribute descriptor by logical name.
func (e *Entity) Attribute(name string) (Attribute, bool) {
	a, ok := e.Attributes[strings.ToLower(name)]
	return a, ok
}

// Source fetches descriptors from the service. Implementations go through
// the connection pool; the cache itself never touches the network.
type Source interface {
	FetchEntity(ctx context.Context, logicalName string) (*Entity, error)
}

// Cache is a per-environment descriptor memoizer. Safe for concurrent use.
type Cache struct {
	source Source

	mu      sync.RWMutex
	entries map[string]*Entity
	group   singleflight.Group
}

// NewCache creates an empty cache backed by the given source.
func NewCache(source Source) *Cache {
	return &Cache{
		source:  source,
		entries: make(map[string]*Entity),
	}
}

// Entity returns the descriptor for an entity, fetching it on first access.
// Concurrent callers for the same entity share one fetch.
func (c *Cache) Entity(ctx context.Context, logicalName string) (*Entity, error) {
	key := strings.ToLower(logicalName)

	c.mu.RLock()
	ent, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		metrics.MetadataCache.WithLabelValues("hit").Inc()
		return ent, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check under the group: a racing fetch may have filled the
		// entry between the read miss and the flight start.
		c.mu.RLock()
		ent, ok := c.entries[key]
		c.mu.RUnlock()
		if ok {
			return ent, nil
		}

		metrics.MetadataCache.WithLabelValues("miss").Inc()
		fetched, err := c.source.FetchEntity(ctx, key)
		if err != nil {
			metrics.MetadataCache.WithLabelValues("error").Inc()
			return nil, err
		}
		if fetched == nil {
			return nil, faults.Newf(faults.CodeNotFound, "entity %s does not exist", key)
		}

		c.mu.Lock()
		c.entries[key] = fetched
		c.mu.Unlock()
		return fetched, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entity), nil
}

// PrimaryID returns the primary key attribute name for an entity.
func (c *Cache) PrimaryID(ctx context.Context, logicalName string) (string, error) {
	ent, err := c.Entity(ctx, logicalName)
	if err != nil {
		return "", err
	}
	return ent.PrimaryIDAttribute, nil
}

// InvalidateEntity drops one cached descriptor.
func (c *Cache) InvalidateEntity(logicalName string) {
	key := strings.ToLower(logicalName)
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidateAll drops every cached descriptor.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]*Entity)
	c.mu.Unlock()
}

// Len reports the number of cached descriptors.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
