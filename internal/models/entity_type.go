// Package models provides data model definitions for the caresync core.
package models

import (
	"database/sql/driver"
	"fmt"
)

// EntityType identifies one of the closed set of syncable record kinds.
type EntityType uint8

const (
	EntityUnknown EntityType = iota
	EntityInsuranceCard
	EntityInvoice
	EntityPayment
	EntityDischargePlan
	EntityDischargeSummary

	entityTypeCount
)

// SyncGroup names the entity-specific sync routine that owns a type.
type SyncGroup string

const (
	GroupInsurance SyncGroup = "insurance"
	GroupBilling   SyncGroup = "billing"
	GroupDischarge SyncGroup = "discharge"
)

// EntitySpec is the per-type routing entry.
type EntitySpec struct {
	Name       string
	Collection string
	Group      SyncGroup
	newRecord  func() Record
}

// entitySpecs is indexed by EntityType. The assertion below fails to compile
// whenever a type is added to the enum without a matching entry here.
var entitySpecs = [...]EntitySpec{
	EntityUnknown: {},
	EntityInsuranceCard: {
		Name:       "insurance_card",
		Collection: "insurance-cards",
		Group:      GroupInsurance,
		newRecord:  func() Record { return &InsuranceCard{} },
	},
	EntityInvoice: {
		Name:       "invoice",
		Collection: "invoices",
		Group:      GroupBilling,
		newRecord:  func() Record { return &Invoice{} },
	},
	EntityPayment: {
		Name:       "payment",
		Collection: "payments",
		Group:      GroupBilling,
		newRecord:  func() Record { return &Payment{} },
	},
	EntityDischargePlan: {
		Name:       "discharge_plan",
		Collection: "discharge-plans",
		Group:      GroupDischarge,
		newRecord:  func() Record { return &DischargePlan{} },
	},
	EntityDischargeSummary: {
		Name:       "discharge_summary",
		Collection: "discharge-summaries",
		Group:      GroupDischarge,
		newRecord:  func() Record { return &DischargeSummary{} },
	},
}

var _ [entityTypeCount]EntitySpec = entitySpecs

// AllEntityTypes returns every valid entity type in declaration order.
func AllEntityTypes() []EntityType {
	types := make([]EntityType, 0, entityTypeCount-1)
	for t := EntityUnknown + 1; t < entityTypeCount; t++ {
		types = append(types, t)
	}
	return types
}

// TypesInGroup returns the entity types handled by a sync routine.
func TypesInGroup(g SyncGroup) []EntityType {
	var types []EntityType
	for _, t := range AllEntityTypes() {
		if entitySpecs[t].Group == g {
			types = append(types, t)
		}
	}
	return types
}

// Groups returns the sync routines in a stable order.
func Groups() []SyncGroup {
	return []SyncGroup{GroupInsurance, GroupBilling, GroupDischarge}
}

// ParseEntityType resolves a storage name or collection name.
func ParseEntityType(s string) (EntityType, error) {
	for _, t := range AllEntityTypes() {
		spec := entitySpecs[t]
		if spec.Name == s || spec.Collection == s {
			return t, nil
		}
	}
	return EntityUnknown, fmt.Errorf("unknown entity type %q", s)
}

// Valid reports whether t is a member of the enum other than EntityUnknown.
func (t EntityType) Valid() bool {
	return t > EntityUnknown && t < entityTypeCount
}

// Spec returns the routing entry for t.
func (t EntityType) Spec() EntitySpec {
	if !t.Valid() {
		return EntitySpec{}
	}
	return entitySpecs[t]
}

func (t EntityType) String() string {
	if !t.Valid() {
		return "unknown"
	}
	return entitySpecs[t].Name
}

// Collection returns the remote REST collection for t.
func (t EntityType) Collection() string {
	return t.Spec().Collection
}

// Group returns the sync routine that owns t.
func (t EntityType) Group() SyncGroup {
	return t.Spec().Group
}

// NewRecord returns an empty typed record for t.
func (t EntityType) NewRecord() (Record, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown entity type %d", t)
	}
	return entitySpecs[t].newRecord(), nil
}

// MarshalText implements encoding.TextMarshaler.
func (t EntityType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("cannot marshal entity type %d", t)
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *EntityType) UnmarshalText(b []byte) error {
	parsed, err := ParseEntityType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Value implements driver.Valuer; types are stored by name.
func (t EntityType) Value() (driver.Value, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("cannot store entity type %d", t)
	}
	return t.String(), nil
}

// Scan implements sql.Scanner.
func (t *EntityType) Scan(value interface{}) error {
	switch v := value.(type) {
	case string:
		return t.UnmarshalText([]byte(v))
	case []byte:
		return t.UnmarshalText(v)
	default:
		return fmt.Errorf("cannot scan %T into EntityType", value)
	}
}
