package db

import (
	"strings"

	"github.com/kimhsiao/caresync/internal/models"
)

// Filter is one condition of a WHERE clause.
type Filter interface {
	// SQL returns the fragment, with ? placeholders
	SQL() string

	// Args returns the placeholder values
	Args() []interface{}

	// Valid reports whether the filter constrains anything
	Valid() bool
}

// EqualFilter matches column = value. A zero value is no constraint.
type EqualFilter struct {
	Column string
	Value  interface{}
}

// Valid checks if the filter is valid.
func (f *EqualFilter) Valid() bool {
	if f.Column == "" {
		return false
	}
	switch v := f.Value.(type) {
	case nil:
		return false
	case string:
		return v != ""
	case models.UUID:
		return v != ""
	case models.EntityType:
		return v.Valid()
	case models.QueueStatus:
		return v != ""
	default:
		return true
	}
}

// SQL returns the SQL fragment.
func (f *EqualFilter) SQL() string { return f.Column + " = ?" }

// Args returns the arguments.
func (f *EqualFilter) Args() []interface{} {
	if s, ok := f.Value.(models.QueueStatus); ok {
		return []interface{}{string(s)}
	}
	return []interface{}{f.Value}
}

// CompareFilter matches column <op> value for a positive integer bound.
type CompareFilter struct {
	Column string
	Op     string // "<", ">", "<=", ">="
	Value  int64
}

// Valid checks if the filter is valid.
func (f *CompareFilter) Valid() bool {
	switch f.Op {
	case "<", ">", "<=", ">=":
		return f.Column != "" && f.Value > 0
	default:
		return false
	}
}

// SQL returns the SQL fragment.
func (f *CompareFilter) SQL() string { return f.Column + " " + f.Op + " ?" }

// Args returns the arguments.
func (f *CompareFilter) Args() []interface{} { return []interface{}{f.Value} }

// TypesFilter matches any of the given entity types.
type TypesFilter struct {
	Types []models.EntityType
}

// Valid checks if the filter is valid.
func (f *TypesFilter) Valid() bool {
	if len(f.Types) == 0 {
		return false
	}
	for _, t := range f.Types {
		if !t.Valid() {
			return false
		}
	}
	return true
}

// SQL returns the SQL fragment.
func (f *TypesFilter) SQL() string {
	marks := strings.Repeat("?, ", len(f.Types))
	return "entity_type IN (" + strings.TrimSuffix(marks, ", ") + ")"
}

// Args returns the arguments.
func (f *TypesFilter) Args() []interface{} {
	args := make([]interface{}, len(f.Types))
	for i, t := range f.Types {
		args[i] = t
	}
	return args
}

// rawFilter is a fixed condition without arguments.
type rawFilter string

func (f rawFilter) Valid() bool         { return f != "" }
func (f rawFilter) SQL() string         { return string(f) }
func (f rawFilter) Args() []interface{} { return nil }

// FilterBuilder builds SQL filter conditions from multiple filters. Invalid
// filters are dropped.
type FilterBuilder struct {
	filters []Filter
}

// NewFilterBuilder creates a new FilterBuilder.
func NewFilterBuilder() *FilterBuilder {
	return &FilterBuilder{filters: make([]Filter, 0)}
}

// Add appends f when it is valid.
func (fb *FilterBuilder) Add(f Filter) *FilterBuilder {
	if f.Valid() {
		fb.filters = append(fb.filters, f)
	}
	return fb
}

// Equal adds column = value.
func (fb *FilterBuilder) Equal(column string, value interface{}) *FilterBuilder {
	return fb.Add(&EqualFilter{Column: column, Value: value})
}

// Compare adds column <op> value.
func (fb *FilterBuilder) Compare(column, op string, value int64) *FilterBuilder {
	return fb.Add(&CompareFilter{Column: column, Op: op, Value: value})
}

// Types adds an entity_type IN (...) condition.
func (fb *FilterBuilder) Types(types ...models.EntityType) *FilterBuilder {
	return fb.Add(&TypesFilter{Types: types})
}

// When adds a fixed condition if cond holds.
func (fb *FilterBuilder) When(cond bool, sql string) *FilterBuilder {
	if cond {
		fb.Add(rawFilter(sql))
	}
	return fb
}

// HasFilters returns true if any filters have been added.
func (fb *FilterBuilder) HasFilters() bool {
	return len(fb.filters) > 0
}

// Count returns the number of filters.
func (fb *FilterBuilder) Count() int {
	return len(fb.filters)
}

// Build joins the conditions with AND and returns the arguments in order.
func (fb *FilterBuilder) Build() (string, []interface{}) {
	if !fb.HasFilters() {
		return "", nil
	}

	parts := make([]string, 0, len(fb.filters))
	var args []interface{}
	for _, filter := range fb.filters {
		parts = append(parts, filter.SQL())
		args = append(args, filter.Args()...)
	}
	return strings.Join(parts, " AND "), args
}

// Where returns " WHERE ..." or an empty string.
func (fb *FilterBuilder) Where() (string, []interface{}) {
	sql, args := fb.Build()
	if sql == "" {
		return "", nil
	}
	return " WHERE " + sql, args
}

func (f EntityFilter) builder() *FilterBuilder {
	return NewFilterBuilder().
		Equal("entity_type", f.EntityType).
		Equal("scope_id", f.ScopeID).
		When(f.Unsynced, "is_synced = 0")
}

func (f QueueFilter) builder() *FilterBuilder {
	return NewFilterBuilder().
		Equal("status", f.Status).
		Equal("entity_id", f.EntityID).
		Compare("id", ">", f.AfterID).
		Compare("attempts", "<", int64(f.MaxAttempts)).
		Types(f.Types...)
}
