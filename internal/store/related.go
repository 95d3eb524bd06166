package store

import (
	"context"
	"fmt"

	"github.com/hyperengineering/tidesync/internal/schema"
)

// Related resolves a derived relationship field of a live record to the
// target records whose key fields match. Single-valued relationships return
// at most one record.
func (v *View) Related(table, id, field string) ([]Record, error) {
	td, ok := v.tx.schema.Table(table)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	rel, ok := td.Relationships[field]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, table, field)
	}
	if len(rel.OwnFields) == 0 || len(rel.OwnFields) != len(rel.TargetFields) {
		return nil, fmt.Errorf("relationship %s.%s: key fields do not line up", table, field)
	}

	src, found, err := v.Get(table, id)
	if err != nil || !found {
		return nil, err
	}

	filter := make(map[string]any, len(rel.OwnFields))
	for i, own := range rel.OwnFields {
		val := src[own]
		if val == nil {
			return nil, nil
		}
		filter[rel.TargetFields[i]] = val
	}

	recs, err := v.Where(rel.Target, filter)
	if err != nil {
		return nil, err
	}
	if rel.Cardinality != schema.OneToMany && len(recs) > 1 {
		recs = recs[:1]
	}
	return recs, nil
}

// Related is View.Related on the live store in its own scope.
func (p *Pair) Related(ctx context.Context, table, id, field string) ([]Record, error) {
	var out []Record
	err := p.Read(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.Live().Related(table, id, field)
		return err
	})
	return out, err
}
