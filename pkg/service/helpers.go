// Fetchcore - Dataverse Access Core and SQL-to-FetchXML Transpiler
// Copyright 2026 Fetchcore Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fetchcore-dev/fetchcore

package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/fetchcore-dev/fetchcore/pkg/faults"
)

// AsError converts a Service fault into the core error taxonomy. The fault
// message is kept as the user-safe message; the numeric code is not exposed.
func (f *Fault) AsError() *faults.Error {
	switch {
	case f.IsThrottle():
		return faults.Throttle(f.Message, f.RetryAfter)
	case f.IsAuth():
		return faults.New(faults.CodeAuth, f.Message)
	case f.IsNotFound():
		return faults.New(faults.CodeNotFound, f.Message)
	default:
		return faults.New(faults.CodeInternal, f.Message)
	}
}

// Create persists a new record and returns its id.
func Create(ctx context.Context, inv Invoker, record *Entity) (uuid.UUID, error) {
	resp, err := inv.Execute(ctx, &Request{Operation: OpCreate, Record: record})
	if err != nil {
		return uuid.Nil, err
	}
	return resp.ID, nil
}

// Update overwrites the attributes present on record. Absent attributes are
// untouched; the Service's update semantics are set-based.
func Update(ctx context.Context, inv Invoker, record *Entity) error {
	_, err := inv.Execute(ctx, &Request{Operation: OpUpdate, Record: record})
	return err
}

// Delete removes the referenced record.
func Delete(ctx context.Context, inv Invoker, target *EntityRef) error {
	_, err := inv.Execute(ctx, &Request{Operation: OpDelete, Target: target})
	return err
}

// Retrieve fetches one record. An empty columns slice retrieves all
// attributes.
func Retrieve(ctx context.Context, inv Invoker, target *EntityRef, columns []string) (*Entity, error) {
	resp, err := inv.Execute(ctx, &Request{Operation: OpRetrieve, Target: target, Columns: columns})
	if err != nil {
		return nil, err
	}
	return resp.Record, nil
}

// RetrieveMultiple executes one page of an XML query.
func RetrieveMultiple(ctx context.Context, inv Invoker, fetchXML string, page, pageSize int, cookie string) (*Response, error) {
	return inv.Execute(ctx, &Request{
		Operation:    OpRetrieveMultiple,
		FetchXML:     fetchXML,
		PageNumber:   page,
		PageSize:     pageSize,
		PagingCookie: cookie,
	})
}

// Associate links related records to target through a named relationship.
func Associate(ctx context.Context, inv Invoker, target *EntityRef, relationship string, related []*EntityRef) error {
	_, err := inv.Execute(ctx, &Request{
		Operation:    OpAssociate,
		Target:       target,
		Relationship: relationship,
		Related:      related,
	})
	return err
}

// Disassociate removes relationship links created by Associate.
func Disassociate(ctx context.Context, inv Invoker, target *EntityRef, relationship string, related []*EntityRef) error {
	_, err := inv.Execute(ctx, &Request{
		Operation:    OpDisassociate,
		Target:       target,
		Relationship: relationship,
		Related:      related,
	})
	return err
}

// ExecuteMultiple submits a batch of requests in one round trip. With
// continueOnError set, per-item faults are reported in the item results and
// the call itself succeeds.
func ExecuteMultiple(ctx context.Context, inv Invoker, requests []*Request, continueOnError bool) ([]ItemResult, error) {
	resp, err := inv.Execute(ctx, &Request{
		Operation:       OpExecuteMultiple,
		Requests:        requests,
		ContinueOnError: continueOnError,
	})
	if err != nil {
		return nil, err
	}
	return resp.Items, nil
}
