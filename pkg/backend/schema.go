package backend

import (
	"sort"

	"github.com/ajitpratap0/frameconv/pkg/config"
	"github.com/ajitpratap0/frameconv/pkg/errors"
	"github.com/ajitpratap0/frameconv/pkg/models"
)

// TableSchema is the evolving schema of one output table within a batch.
type TableSchema struct {
	Name    string
	Series  bool
	Columns map[string]models.ColumnType
	// Order is the physical column order: the first record's fields sorted,
	// then every later addition sorted within its record.
	Order []string
}

// Change lists what Reconcile altered.
type Change struct {
	Added   []string
	Retyped []string
}

// Empty reports whether the schema was left untouched.
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Retyped) == 0
}

// NewTableSchema creates the schema of table from its first record.
func NewTableSchema(table string, rec *models.Record, series bool) *TableSchema {
	s := &TableSchema{
		Name:    table,
		Series:  series,
		Columns: make(map[string]models.ColumnType, len(rec.Fields)),
	}
	for _, col := range rec.Columns() {
		ct, _ := models.KindOf(rec.Fields[col])
		s.Columns[col] = models.ColumnType{Kind: ct.Kind}
		s.Order = append(s.Order, col)
	}
	return s
}

// Reconcile checks rec against the schema and applies the allowed changes.
// Fields absent from rec are nulls. New fields are added under the extend
// policy and rejected under fail. A shape change or a kind change other than
// int64 to float64 is always a schema mismatch. On error the schema is left
// unchanged.
func (s *TableSchema) Reconcile(rec *models.Record, series bool, policy config.SchemaPolicy) (Change, error) {
	var change Change
	if series != s.Series {
		return change, s.mismatch("record shape changed between series and scalar")
	}

	retyped := make(map[string]models.ColumnType)
	for _, col := range rec.Columns() {
		ct, ok := models.KindOf(rec.Fields[col])
		existing, known := s.Columns[col]
		if !known {
			if policy == config.SchemaFail {
				return Change{}, s.mismatch("new field " + col)
			}
			change.Added = append(change.Added, col)
			if ok {
				retyped[col] = models.ColumnType{Kind: ct.Kind}
			} else {
				retyped[col] = models.ColumnType{}
			}
			continue
		}
		if !ok {
			continue
		}
		ct.List = false
		p, ok := models.Promote(existing, ct)
		if !ok {
			return Change{}, s.mismatch("field " + col + " changed from " + existing.String() + " to " + ct.String())
		}
		if p != existing {
			if policy == config.SchemaFail && existing.Kind != models.KindNull {
				return Change{}, s.mismatch("field " + col + " changed from " + existing.String() + " to " + p.String())
			}
			retyped[col] = p
			change.Retyped = append(change.Retyped, col)
		}
	}

	for col, ct := range retyped {
		s.Columns[col] = ct
	}
	s.Order = append(s.Order, change.Added...)
	return change, nil
}

// Stats returns table statistics seeded with the schema's column types.
// Series columns are reported as lists.
func (s *TableSchema) Stats() *TableStats {
	cols := make(map[string]models.ColumnType, len(s.Columns))
	for k, v := range s.Columns {
		if s.Series && v.Kind != models.KindNull {
			v.List = true
		}
		cols[k] = v
	}
	return &TableStats{Series: s.Series, Columns: cols}
}

func (s *TableSchema) mismatch(msg string) *errors.Error {
	return errors.New(errors.ErrorTypeSchemaMismatch, msg).WithDetail("table", s.Name)
}

// UnifiedTable is the schema a merged table is created with.
type UnifiedTable struct {
	Name    string
	Series  bool
	Columns map[string]models.ColumnType
}

// Names returns the column names in sorted order.
func (u *UnifiedTable) Names() []string {
	names := make([]string, 0, len(u.Columns))
	for k := range u.Columns {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// UnifyTables combines the per-batch statistics of every table in manifests.
// Columns are unioned and their kinds promoted; a table that is a series in
// one batch and scalar in another cannot be merged.
func UnifyTables(manifests []*Manifest) (map[string]*UnifiedTable, error) {
	out := make(map[string]*UnifiedTable)
	for _, m := range manifests {
		for name, ts := range m.Tables {
			u, ok := out[name]
			if !ok {
				u = &UnifiedTable{Name: name, Series: ts.Series, Columns: make(map[string]models.ColumnType)}
				out[name] = u
			}
			if u.Series != ts.Series {
				return nil, errors.Newf(errors.ErrorTypeSchemaMismatch,
					"table %q is a series in some batches and scalar in others", name).
					WithDetail("batch", m.Batch)
			}
			for col, ct := range ts.Columns {
				existing, ok := u.Columns[col]
				if !ok {
					u.Columns[col] = ct
					continue
				}
				p, ok := models.Promote(existing, ct)
				if !ok {
					return nil, errors.Newf(errors.ErrorTypeSchemaMismatch,
						"column %s.%s is %s in one batch and %s in another", name, col, existing, ct).
						WithDetail("batch", m.Batch)
				}
				u.Columns[col] = p
			}
		}
	}
	return out, nil
}
