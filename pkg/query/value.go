// Fetchcore - Dataverse Access Core and SQL-to-FetchXML Transpiler
// Copyright 2026 Fetchcore Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fetchcore-dev/fetchcore

package query

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/fetchcore-dev/fetchcore/pkg/faults"
	"github.com/fetchcore-dev/fetchcore/pkg/metadata"
	"github.com/fetchcore-dev/fetchcore/pkg/service"
)

// Value is one decoded cell.
type Value struct {
	// Raw is the decoded value: string, float64, int64, bool, or nil.
	// Reference cells carry nil Raw and set the Target fields.
	Raw any

	// Formatted is the service's display string when one was provided, or a
	// label resolved from option-set metadata.
	Formatted string

	// TargetEntity and TargetID identify the referenced record for lookup,
	// owner, and customer cells.
	TargetEntity string
	TargetID     uuid.UUID
}

// IsRef reports whether the cell points at another record.
func (v Value) IsRef() bool { return v.TargetEntity != "" }

// String renders the cell for display: the formatted string when present,
// otherwise the raw value.
func (v Value) String() string {
	if v.Formatted != "" {
		return v.Formatted
	}
	if v.IsRef() {
		return v.TargetID.String()
	}
	if v.Raw == nil {
		return ""
	}
	return fmt.Sprint(v.Raw)
}

// Row is one decoded record.
type Row struct {
	cells map[string]Value
	keys  []string
}

// Get returns the cell for a column key.
func (r Row) Get(name string) (Value, bool) {
	v, ok := r.cells[name]
	return v, ok
}

// Keys returns the row's column keys in sorted order.
func (r Row) Keys() []string { return r.keys }

// refDTO is the wire shape of a reference cell.
type refDTO struct {
	ID          string `json:"Id"`
	LogicalName string `json:"LogicalName"`
	Name        string `json:"Name"`
}

// wrappedDTO is the wire shape of money and aliased aggregate cells.
type wrappedDTO struct {
	Value *json.RawMessage `json:"Value"`
}

// decodeRecord decodes every cell of a service record against the entity
// descriptor. Unknown attributes (aliased link-entity columns, aggregate
// aliases) decode generically.
func decodeRecord(ent *metadata.Entity, rec *service.Entity) Row {
	row := Row{cells: make(map[string]Value, len(rec.Attributes))}
	for key := range rec.Attributes {
		row.keys = append(row.keys, key)
	}
	sort.Strings(row.keys)

	for _, key := range row.keys {
		row.cells[key] = decodeCell(ent, key, rec)
	}
	return row
}

// decodeCell decodes one raw cell. The descriptor refines interpretation
// when available but is never required.
func decodeCell(ent *metadata.Entity, key string, rec *service.Entity) Value {
	raw := rec.Attributes[key]
	v := Value{Formatted: rec.Formatted[key]}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		v.Raw = string(raw)
		return v
	}

	switch cell := decoded.(type) {
	case map[string]any:
		// References carry Id/LogicalName; money and aggregate cells wrap a
		// plain Value.
		if id, ok := cell["Id"].(string); ok {
			if parsed, err := uuid.Parse(id); err == nil {
				v.TargetID = parsed
			}
			if name, ok := cell["LogicalName"].(string); ok {
				v.TargetEntity = name
			}
			if v.Formatted == "" {
				if display, ok := cell["Name"].(string); ok {
					v.Formatted = display
				}
			}
			return v
		}
		if inner, ok := cell["Value"]; ok {
			v.Raw = inner
			return v
		}
		v.Raw = cell
		return v

	case float64:
		v.Raw = cell
		if v.Formatted == "" && ent != nil {
			// Option-set numbers resolve to labels from metadata.
			if attr, ok := ent.Attribute(key); ok && len(attr.Options) > 0 {
				if label, ok := attr.Options[int64(cell)]; ok {
					v.Formatted = label
				}
			}
		}
		return v

	default:
		v.Raw = cell
		return v
	}
}

// decodeInt64 reads an integer aggregate cell, unwrapping the Value envelope
// when present.
func decodeInt64(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, nil
	}

	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var wrapped wrappedDTO
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Value != nil {
		var inner float64
		if err := json.Unmarshal(*wrapped.Value, &inner); err == nil {
			return int64(inner), nil
		}
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return int64(f), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if parsed, perr := strconv.ParseInt(s, 10, 64); perr == nil {
			return parsed, nil
		}
	}
	return 0, faults.New(faults.CodeInternal, "aggregate cell is not numeric")
}
