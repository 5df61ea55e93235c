// Fetchcore - Dataverse Access Core and SQL-to-FetchXML Transpiler
// Copyright 2026 Fetchcore Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fetchcore-dev/fetchcore

package metadata

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/fetchcore-dev/fetchcore/pkg/faults"
)

type countingSource struct {
	calls atomic.Int64
	gate  chan struct{} // when set, FetchEntity blocks until closed
	fail  error
}

func (s *countingSource) FetchEntity(_ context.Context, name string) (*Entity, error) {
	s.calls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	if s.fail != nil {
		return nil, s.fail
	}
	return &Entity{
		LogicalName:        name,
		PrimaryIDAttribute: name + "id",
		Attributes: map[string]Attribute{
			"name": {LogicalName: "name", Type: TypeString},
		},
	}, nil
}

func TestCacheFetchesOnceAndMemoizes(t *testing.T) {
	src := &countingSource{}
	cache := NewCache(src)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ent, err := cache.Entity(ctx, "account")
		if err != nil {
			t.Fatalf("Entity failed: %v", err)
		}
		if ent.PrimaryIDAttribute != "accountid" {
			t.Fatalf("primary id = %q, want accountid", ent.PrimaryIDAttribute)
		}
	}
	if got := src.calls.Load(); got != 1 {
		t.Errorf("source called %d times, want 1", got)
	}
}

func TestCacheKeyIsCaseInsensitive(t *testing.T) {
	src := &countingSource{}
	cache := NewCache(src)
	ctx := context.Background()

	if _, err := cache.Entity(ctx, "Account"); err != nil {
		t.Fatalf("Entity failed: %v", err)
	}
	if _, err := cache.Entity(ctx, "ACCOUNT"); err != nil {
		t.Fatalf("Entity failed: %v", err)
	}
	if got := src.calls.Load(); got != 1 {
		t.Errorf("source called %d times, want 1", got)
	}
}

func TestConcurrentFetchesCoalesce(t *testing.T) {
	src := &countingSource{gate: make(chan struct{})}
	cache := NewCache(src)
	ctx := context.Background()

	const callers = 20
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = cache.Entity(ctx, "account")
		}(i)
	}

	close(src.gate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d failed: %v", i, err)
		}
	}
	if got := src.calls.Load(); got != 1 {
		t.Errorf("source called %d times, want 1", got)
	}
}

func TestErrorsAreNotCached(t *testing.T) {
	src := &countingSource{fail: faults.New(faults.CodeConnection, "transport down")}
	cache := NewCache(src)
	ctx := context.Background()

	if _, err := cache.Entity(ctx, "account"); err == nil {
		t.Fatal("want error")
	}

	src.fail = nil
	ent, err := cache.Entity(ctx, "account")
	if err != nil {
		t.Fatalf("Entity after recovery failed: %v", err)
	}
	if ent == nil {
		t.Fatal("nil descriptor")
	}
	if got := src.calls.Load(); got != 2 {
		t.Errorf("source called %d times, want 2", got)
	}
}

func TestInvalidateEntity(t *testing.T) {
	src := &countingSource{}
	cache := NewCache(src)
	ctx := context.Background()

	if _, err := cache.Entity(ctx, "account"); err != nil {
		t.Fatal(err)
	}
	if _, err := cache.Entity(ctx, "contact"); err != nil {
		t.Fatal(err)
	}

	cache.InvalidateEntity("Account")
	if cache.Len() != 1 {
		t.Errorf("len = %d, want 1", cache.Len())
	}
	if _, err := cache.Entity(ctx, "account"); err != nil {
		t.Fatal(err)
	}
	if got := src.calls.Load(); got != 3 {
		t.Errorf("source called %d times, want 3", got)
	}
}

func TestInvalidateAll(t *testing.T) {
	src := &countingSource{}
	cache := NewCache(src)
	ctx := context.Background()

	for _, name := range []string{"account", "contact", "opportunity"} {
		if _, err := cache.Entity(ctx, name); err != nil {
			t.Fatal(err)
		}
	}
	cache.InvalidateAll()
	if cache.Len() != 0 {
		t.Errorf("len = %d, want 0", cache.Len())
	}
}

func TestPrimaryID(t *testing.T) {
	cache := NewCache(&countingSource{})
	id, err := cache.PrimaryID(context.Background(), "opportunity")
	if err != nil {
		t.Fatalf("PrimaryID failed: %v", err)
	}
	if id != "opportunityid" {
		t.Errorf("id = %q, want opportunityid", id)
	}
}

func TestAttributeLookup(t *testing.T) {
	cache := NewCache(&countingSource{})
	ent, err := cache.Entity(context.Background(), "account")
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := ent.Attribute("NAME"); !ok {
		t.Error("case-insensitive attribute lookup failed")
	}
	if _, ok := ent.Attribute("missing"); ok {
		t.Error("lookup of unknown attribute succeeded")
	}
}

func TestAttributeTypeIsReference(t *testing.T) {
	for _, tt := range []struct {
		typ  AttributeType
		want bool
	}{
		{TypeLookup, true},
		{TypeOwner, true},
		{TypeCustomer, true},
		{TypeString, false},
		{TypePicklist, false},
	} {
		if got := tt.typ.IsReference(); got != tt.want {
			t.Errorf("%s.IsReference() = %v, want %v", tt.typ, got, tt.want)
		}
	}
}

func TestEntityDTOConversion(t *testing.T) {
	dto := &entityDTO{
		LogicalName:          "Account",
		PrimaryIdAttribute:   "AccountId",
		PrimaryNameAttribute: "Name",
		OwnershipType:        "UserOwned",
		Attributes: []attributeDTO{
			{
				LogicalName:    "Name",
				AttributeType:  "String",
				ValidForCreate: true,
				ValidForUpdate: true,
				RequiredLevel:  "ApplicationRequired",
			},
			{LogicalName: "OwnerId", AttributeType: "Owner", Targets: []string{"systemuser", "team"}},
			{
				LogicalName:   "IndustryCode",
				AttributeType: "Picklist",
				IsCustom:      true,
				Options:       []optionDTO{{Value: 1, Label: "Accounting"}, {Value: 2, Label: "Retail"}},
			},
		},
		OneToMany:  []relationDTO{{SchemaName: "account_contacts", ReferencingEntity: "Contact"}},
		ManyToOne:  []relationDTO{{SchemaName: "account_parent", ReferencedEntity: "Account"}},
		ManyToMany: []relationDTO{{SchemaName: "accountleads", ReferencingEntity: "Lead", IntersectEntity: "AccountLeads"}},
		Keys:       []keyDTO{{SchemaName: "account_number_key", KeyAttributes: []string{"AccountNumber"}}},
	}

	ent := dto.toEntity()
	if ent.LogicalName != "account" || ent.PrimaryIDAttribute != "accountid" {
		t.Errorf("names not normalized: %+v", ent)
	}
	if ent.Ownership != "UserOwned" {
		t.Errorf("ownership = %q", ent.Ownership)
	}
	name, _ := ent.Attribute("name")
	if !name.ValidForCreate || !name.ValidForUpdate || name.RequiredLevel != "ApplicationRequired" {
		t.Errorf("name attribute flags = %+v", name)
	}
	owner, ok := ent.Attribute("ownerid")
	if !ok || !owner.Type.IsReference() || len(owner.Targets) != 2 {
		t.Errorf("owner attribute = %+v", owner)
	}
	industry, _ := ent.Attribute("industrycode")
	if !industry.IsCustom || industry.Options[2] != "Retail" {
		t.Errorf("industry attribute = %+v", industry)
	}
	if len(ent.Relationships) != 3 {
		t.Fatalf("relationships = %+v", ent.Relationships)
	}
	if ent.Relationships[0].Kind != OneToMany || ent.Relationships[0].Related != "contact" {
		t.Errorf("one-to-many = %+v", ent.Relationships[0])
	}
	if ent.Relationships[1].Kind != ManyToOne || ent.Relationships[1].Related != "account" {
		t.Errorf("many-to-one = %+v", ent.Relationships[1])
	}
	if ent.Relationships[2].Kind != ManyToMany || ent.Relationships[2].Intersect != "accountleads" {
		t.Errorf("many-to-many = %+v", ent.Relationships[2])
	}
	if len(ent.Keys) != 1 || ent.Keys[0].Attributes[0] != "accountnumber" {
		t.Errorf("keys = %+v", ent.Keys)
	}
}
