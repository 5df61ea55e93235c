// Fetchcore - Dataverse Access Core and SQL-to-FetchXML Transpiler
// Copyright 2026 Fetchcore Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fetchcore-dev/fetchcore

// Package service defines the contracts between the access core and the
// hosted record store ("the Service").
//
// The core never serializes to the wire itself. It builds organization
// requests, hands them to an Invoker supplied by a transport adapter, and
// interprets the opaque responses. Implementations of Invoker live outside
// the core (HTTP/SOAP adapters, test fakes).
package service

import (
	"context"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Operation names understood by Service transport adapters. The set mirrors
// the organization-request model of the record store.
const (
	OpCreate           = "Create"
	OpUpdate           = "Update"
	OpDelete           = "Delete"
	OpRetrieve         = "Retrieve"
	OpRetrieveMultiple = "RetrieveMultiple"
	OpAssociate        = "Associate"
	OpDisassociate     = "Disassociate"
	OpExecuteMultiple  = "ExecuteMultiple"
	OpRetrieveEntity   = "RetrieveEntity"
	OpWhoAmI           = "WhoAmI"
)

// EntityRef identifies one record by entity logical name and id, or by an
// alternate key when ID is the zero UUID.
type EntityRef struct {
	LogicalName string
	ID          uuid.UUID

	// Key holds alternate-key attribute values when ID is unset.
	Key map[string]any

	// Name is the display value of the referenced record, when the Service
	// included one in a response. Never sent on requests.
	Name string
}

// Entity is one record: a logical name, an id, and raw attribute cells. Cells
// stay as raw JSON until the query executor decodes them against metadata.
type Entity struct {
	LogicalName string
	ID          uuid.UUID
	Attributes  map[string]json.RawMessage

	// Formatted carries the Service's display strings, keyed like Attributes.
	Formatted map[string]string
}

// NewEntity creates an empty record of the given type.
func NewEntity(logicalName string) *Entity {
	return &Entity{
		LogicalName: logicalName,
		Attributes:  make(map[string]json.RawMessage),
		Formatted:   make(map[string]string),
	}
}

// Set marshals a value into an attribute cell. Marshal failures are silently
// dropped; callers setting unmarshalable values will notice at execute time.
func (e *Entity) Set(attribute string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	if e.Attributes == nil {
		e.Attributes = make(map[string]json.RawMessage)
	}
	e.Attributes[attribute] = raw
}

// Ref returns an EntityRef for this record.
func (e *Entity) Ref() *EntityRef {
	return &EntityRef{LogicalName: e.LogicalName, ID: e.ID}
}

// Fault is a Service-reported error for one request. ErrorCode values are
// Service-defined; classification helpers below interpret the well-known ones.
type Fault struct {
	ErrorCode  int64
	Message    string
	RetryAfter time.Duration
}

// Well-known Service error codes.
const (
	// Rate-limit codes: too many requests, excessive execution time, and
	// excessive concurrency respectively.
	CodeRateLimitRequests    = -2147015902
	CodeRateLimitTime        = -2147015903
	CodeRateLimitConcurrency = -2147015898

	// CodeSQLDeadlock is raised when the backing store aborts a writer as a
	// deadlock victim.
	CodeSQLDeadlock = -2147204303

	// CodeAuthExpired and CodeAuthDenied cover expired and rejected tokens.
	CodeAuthExpired = -2147180286
	CodeAuthDenied  = -2147220960

	// CodeObjectNotFound is raised for missing records and entities.
	CodeObjectNotFound = -2147220969
)

// IsThrottle reports whether the fault is a Service rate-limit signal.
func (f *Fault) IsThrottle() bool {
	switch f.ErrorCode {
	case CodeRateLimitRequests, CodeRateLimitTime, CodeRateLimitConcurrency:
		return true
	}
	return false
}

// IsDeadlock reports whether the fault is a deadlock-victim abort.
func (f *Fault) IsDeadlock() bool {
	return f.ErrorCode == CodeSQLDeadlock ||
		strings.Contains(strings.ToLower(f.Message), "deadlock")
}

// IsAuth reports whether the fault indicates a credential problem.
func (f *Fault) IsAuth() bool {
	switch f.ErrorCode {
	case CodeAuthExpired, CodeAuthDenied:
		return true
	}
	return false
}

// IsNotFound reports whether the fault indicates a missing record or entity.
func (f *Fault) IsNotFound() bool {
	return f.ErrorCode == CodeObjectNotFound
}

// Request is an opaque organization request. Operation selects the shape;
// unused fields stay zero. Adapters translate this into the Service's wire
// format.
type Request struct {
	Operation string

	// Target identifies the record for Retrieve, Delete, Associate, and
	// Disassociate.
	Target *EntityRef

	// Record carries the payload for Create and Update.
	Record *Entity

	// Columns restricts the attributes returned by Retrieve.
	Columns []string

	// FetchXML, PageNumber, PageSize, and PagingCookie drive
	// RetrieveMultiple.
	FetchXML     string
	PageNumber   int
	PageSize     int
	PagingCookie string

	// Relationship and Related drive Associate / Disassociate.
	Relationship string
	Related      []*EntityRef

	// Requests and ContinueOnError drive ExecuteMultiple.
	Requests        []*Request
	ContinueOnError bool

	// Parameters carries operation-specific values (e.g. the logical name
	// for RetrieveEntity).
	Parameters map[string]any
}

// ItemResult is the per-request outcome inside an ExecuteMultiple response.
// RequestIndex is the position in the original Requests slice, which is how
// the bulk dispatcher maps faults back to caller records.
type ItemResult struct {
	RequestIndex int
	ID           uuid.UUID
	Fault        *Fault
}

// Response is an opaque organization response. Fields are populated according
// to the request's operation.
type Response struct {
	// ID is the created record id for Create.
	ID uuid.UUID

	// Record is the result of Retrieve.
	Record *Entity

	// Records, MoreRecords, and PagingCookie are the result of
	// RetrieveMultiple.
	Records      []*Entity
	MoreRecords  bool
	PagingCookie string

	// Items are the per-request results of ExecuteMultiple.
	Items []ItemResult

	// Results carries operation-specific raw values (e.g. the entity
	// descriptor JSON for RetrieveEntity).
	Results map[string]json.RawMessage

	// RecommendedDegree is the Service's suggested per-principal
	// parallelism, reported on the first successful call of a connection.
	// Zero when the Service did not include one.
	RecommendedDegree int
}

// Invoker executes organization requests against the Service. Every
// implementation must be safe for use by one goroutine at a time; the pool
// hands each caller its own handle.
type Invoker interface {
	Execute(ctx context.Context, req *Request) (*Response, error)
}

// Cloner is implemented by invokers whose underlying connection can be
// cheaply cloned for thread affinity. The pool clones when available and
// shares the base invoker otherwise.
type Cloner interface {
	Clone() Invoker
}
