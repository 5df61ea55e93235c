// Fetchcore - Dataverse Access Core and SQL-to-FetchXML Transpiler
// Copyright 2026 Fetchcore Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fetchcore-dev/fetchcore

package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fetchcore-dev/fetchcore/pkg/faults"
)

func TestFaultClassification(t *testing.T) {
	tests := []struct {
		name  string
		fault Fault
		check func(*Fault) bool
	}{
		{"rate limit requests", Fault{ErrorCode: CodeRateLimitRequests}, (*Fault).IsThrottle},
		{"rate limit time", Fault{ErrorCode: CodeRateLimitTime}, (*Fault).IsThrottle},
		{"rate limit concurrency", Fault{ErrorCode: CodeRateLimitConcurrency}, (*Fault).IsThrottle},
		{"deadlock code", Fault{ErrorCode: CodeSQLDeadlock}, (*Fault).IsDeadlock},
		{"deadlock message", Fault{Message: "chosen as deadlock victim"}, (*Fault).IsDeadlock},
		{"auth expired", Fault{ErrorCode: CodeAuthExpired}, (*Fault).IsAuth},
		{"auth denied", Fault{ErrorCode: CodeAuthDenied}, (*Fault).IsAuth},
		{"not found", Fault{ErrorCode: CodeObjectNotFound}, (*Fault).IsNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if !tc.check(&tc.fault) {
				t.Errorf("fault %+v not classified", tc.fault)
			}
		})
	}

	generic := &Fault{ErrorCode: -1, Message: "boom"}
	if generic.IsThrottle() || generic.IsDeadlock() || generic.IsAuth() || generic.IsNotFound() {
		t.Errorf("generic fault misclassified")
	}
}

func TestFaultAsError(t *testing.T) {
	throttle := (&Fault{ErrorCode: CodeRateLimitRequests, Message: "slow down", RetryAfter: 30 * time.Second}).AsError()
	if !faults.Is(throttle, faults.CodeThrottle) {
		t.Errorf("throttle fault code = %v", faults.CodeOf(throttle))
	}
	if got := faults.RetryAfterOf(throttle); got != 30*time.Second {
		t.Errorf("retry after = %v, want 30s", got)
	}

	auth := (&Fault{ErrorCode: CodeAuthExpired, Message: "token expired"}).AsError()
	if !faults.Is(auth, faults.CodeAuth) {
		t.Errorf("auth fault code = %v", faults.CodeOf(auth))
	}

	generic := (&Fault{ErrorCode: -1, Message: "boom"}).AsError()
	if !faults.Is(generic, faults.CodeInternal) {
		t.Errorf("generic fault code = %v", faults.CodeOf(generic))
	}
}

func TestEntitySetAndRef(t *testing.T) {
	e := NewEntity("account")
	e.ID = uuid.New()
	e.Set("name", "Contoso")
	e.Set("revenue", 125.5)

	if string(e.Attributes["name"]) != `"Contoso"` {
		t.Errorf("name cell = %s", e.Attributes["name"])
	}
	ref := e.Ref()
	if ref.LogicalName != "account" || ref.ID != e.ID {
		t.Errorf("ref = %+v", ref)
	}
}

type recordingInvoker struct {
	last *Request
	resp *Response
}

func (r *recordingInvoker) Execute(_ context.Context, req *Request) (*Response, error) {
	r.last = req
	if r.resp != nil {
		return r.resp, nil
	}
	return &Response{}, nil
}

func TestTypedHelpers(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()
	inv := &recordingInvoker{resp: &Response{ID: id}}

	created, err := Create(ctx, inv, NewEntity("account"))
	if err != nil || created != id {
		t.Fatalf("Create = %v, %v", created, err)
	}
	if inv.last.Operation != OpCreate {
		t.Errorf("operation = %q", inv.last.Operation)
	}

	if err := Delete(ctx, inv, &EntityRef{LogicalName: "account", ID: id}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if inv.last.Operation != OpDelete || inv.last.Target.ID != id {
		t.Errorf("delete request = %+v", inv.last)
	}

	if _, err := RetrieveMultiple(ctx, inv, "<fetch/>", 2, 500, "cookie"); err != nil {
		t.Fatalf("RetrieveMultiple: %v", err)
	}
	if inv.last.PageNumber != 2 || inv.last.PageSize != 500 || inv.last.PagingCookie != "cookie" {
		t.Errorf("paging fields = %+v", inv.last)
	}

	related := []*EntityRef{{LogicalName: "contact", ID: uuid.New()}}
	if err := Associate(ctx, inv, &EntityRef{LogicalName: "account", ID: id}, "account_contacts", related); err != nil {
		t.Fatalf("Associate: %v", err)
	}
	if inv.last.Operation != OpAssociate || inv.last.Relationship != "account_contacts" {
		t.Errorf("associate request = %+v", inv.last)
	}

	if err := Disassociate(ctx, inv, &EntityRef{LogicalName: "account", ID: id}, "account_contacts", related); err != nil {
		t.Fatalf("Disassociate: %v", err)
	}
	if inv.last.Operation != OpDisassociate {
		t.Errorf("operation = %q", inv.last.Operation)
	}
}
