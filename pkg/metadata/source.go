// Fetchcore - Dataverse Access Core and SQL-to-FetchXML Transpiler
// Copyright 2026 Fetchcore Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fetchcore-dev/fetchcore

package metadata

import (
	"context"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/fetchcore-dev/fetchcore/pkg/faults"
	"github.com/fetchcore-dev/fetchcore/pkg/logging"
	"github.com/fetchcore-dev/fetchcore/pkg/pool"
	"github.com/fetchcore-dev/fetchcore/pkg/service"
)

// descriptor retrievals retry throttles a few times before surfacing; they
// are cheap, rare, and block query decoding.
const sourceThrottleRetries = 3

// PoolSource fetches descriptors through the connection pool.
type PoolSource struct {
	pool *pool.Pool
}

// NewPoolSource creates a Source backed by pooled connections.
func NewPoolSource(p *pool.Pool) *PoolSource {
	return &PoolSource{pool: p}
}

// Wire DTOs for the Service's RetrieveEntity response.

type entityDTO struct {
	LogicalName          string         `json:"LogicalName"`
	DisplayName          string         `json:"DisplayName"`
	PrimaryIdAttribute   string         `json:"PrimaryIdAttribute"`
	PrimaryNameAttribute string         `json:"PrimaryNameAttribute"`
	OwnershipType        string         `json:"OwnershipType"`
	Attributes           []attributeDTO `json:"Attributes"`
	OneToMany            []relationDTO  `json:"OneToManyRelationships"`
	ManyToOne            []relationDTO  `json:"ManyToOneRelationships"`
	ManyToMany           []relationDTO  `json:"ManyToManyRelationships"`
	Keys                 []keyDTO       `json:"Keys"`
}

type attributeDTO struct {
	LogicalName    string      `json:"LogicalName"`
	DisplayName    string      `json:"DisplayName"`
	AttributeType  string      `json:"AttributeType"`
	IsCustom       bool        `json:"IsCustomAttribute"`
	ValidForCreate bool        `json:"IsValidForCreate"`
	ValidForUpdate bool        `json:"IsValidForUpdate"`
	RequiredLevel  string      `json:"RequiredLevel"`
	Targets        []string    `json:"Targets"`
	Options        []optionDTO `json:"Options"`
}

type optionDTO struct {
	Value int64  `json:"Value"`
	Label string `json:"Label"`
}

type relationDTO struct {
	SchemaName        string `json:"SchemaName"`
	ReferencingEntity string `json:"ReferencingEntity"`
	ReferencedEntity  string `json:"ReferencedEntity"`
	IntersectEntity   string `json:"IntersectEntityName"`
}

type keyDTO struct {
	SchemaName    string   `json:"SchemaName"`
	KeyAttributes []string `json:"KeyAttributes"`
}

// FetchEntity retrieves and decodes one entity descriptor.
func (s *PoolSource) FetchEntity(ctx context.Context, logicalName string) (*Entity, error) {
	req := &service.Request{
		Operation:  service.OpRetrieveEntity,
		Parameters: map[string]any{"LogicalName": logicalName},
	}

	var resp *service.Response
	for attempt := 0; ; attempt++ {
		client, err := s.pool.Acquire(ctx, pool.AcquireOptions{})
		if err != nil {
			return nil, err
		}

		resp, err = client.Execute(ctx, req)
		if err == nil {
			s.pool.ReportSuccess(client.Principal)
			client.Release()
			break
		}

		principal := client.Principal
		switch {
		case faults.Is(err, faults.CodeThrottle) && attempt < sourceThrottleRetries:
			retryAfter := faults.RetryAfterOf(err)
			s.pool.ReportThrottle(principal, retryAfter)
			client.Release()
			logging.Ctx(ctx).Debug().
				Str("entity", logicalName).
				Dur("retry_after", retryAfter).
				Msg("metadata fetch throttled, retrying")
			if !sleepCtx(ctx, retryAfter) {
				return nil, faults.Wrap(faults.CodeCancelled, "metadata fetch cancelled", ctx.Err())
			}
			continue
		case faults.Is(err, faults.CodeAuth):
			client.Invalidate("auth")
			s.pool.RecordAuthFailure(principal)
		case faults.Is(err, faults.CodeConnection):
			client.Invalidate("connection")
			s.pool.RecordConnectionFailure(principal)
		}
		client.Release()
		return nil, err
	}

	raw, ok := resp.Results["EntityMetadata"]
	if !ok {
		return nil, faults.Newf(faults.CodeNotFound, "entity %s does not exist", logicalName)
	}

	var dto entityDTO
	if err := json.Unmarshal(raw, &dto); err != nil {
		return nil, faults.Wrap(faults.CodeInternal, "malformed entity descriptor", err)
	}
	return dto.toEntity(), nil
}

func (dto *entityDTO) toEntity() *Entity {
	ent := &Entity{
		LogicalName:          strings.ToLower(dto.LogicalName),
		DisplayName:          dto.DisplayName,
		PrimaryIDAttribute:   strings.ToLower(dto.PrimaryIdAttribute),
		PrimaryNameAttribute: strings.ToLower(dto.PrimaryNameAttribute),
		Ownership:            dto.OwnershipType,
		Attributes:           make(map[string]Attribute, len(dto.Attributes)),
	}

	for _, a := range dto.Attributes {
		attr := Attribute{
			LogicalName:    strings.ToLower(a.LogicalName),
			DisplayName:    a.DisplayName,
			Type:           AttributeType(a.AttributeType),
			IsCustom:       a.IsCustom,
			ValidForCreate: a.ValidForCreate,
			ValidForUpdate: a.ValidForUpdate,
			RequiredLevel:  a.RequiredLevel,
			Targets:        a.Targets,
		}
		if len(a.Options) > 0 {
			attr.Options = make(map[int64]string, len(a.Options))
			for _, opt := range a.Options {
				attr.Options[opt.Value] = opt.Label
			}
		}
		ent.Attributes[attr.LogicalName] = attr
	}

	for _, r := range dto.OneToMany {
		ent.Relationships = append(ent.Relationships, Relationship{
			SchemaName: r.SchemaName,
			Kind:       OneToMany,
			Related:    strings.ToLower(r.ReferencingEntity),
		})
	}
	for _, r := range dto.ManyToOne {
		ent.Relationships = append(ent.Relationships, Relationship{
			SchemaName: r.SchemaName,
			Kind:       ManyToOne,
			Related:    strings.ToLower(r.ReferencedEntity),
		})
	}
	for _, r := range dto.ManyToMany {
		ent.Relationships = append(ent.Relationships, Relationship{
			SchemaName: r.SchemaName,
			Kind:       ManyToMany,
			Related:    strings.ToLower(r.ReferencingEntity),
			Intersect:  strings.ToLower(r.IntersectEntity),
		})
	}

	for _, k := range dto.Keys {
		key := AlternateKey{SchemaName: k.SchemaName}
		for _, attr := range k.KeyAttributes {
			key.Attributes = append(key.Attributes, strings.ToLower(attr))
		}
		ent.Keys = append(ent.Keys, key)
	}
	return ent
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
