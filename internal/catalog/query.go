package catalog

import (
	"fmt"
	"strings"

	"github.com/DanJSal/datamgr/internal/derrors"
)

// KeyPredicate is one identity-key constraint for FindSubsets (spec §4.5/C.3,
// grounded on find_subsets): either an equality value or a numeric range
// [Min, Max] (inclusive). Exactly one of Eq or the range bounds should be set.
type KeyPredicate struct {
	Eq       any
	RangeMin *float64
	RangeMax *float64
}

// FindSubsetsQuery is the full predicate set for one find_subsets call.
type FindSubsetsQuery struct {
	DatasetUUID    string
	KeyPredicates  map[string]KeyPredicate
	CreatedAfter   *int64 // epoch micros, inclusive
	CreatedBefore  *int64 // epoch micros, inclusive
	ExcludeMarked  bool
}

// FindSubsets returns subset UUIDs in a dataset matching every supplied
// predicate (spec §4.5/C.3). Key equality/range predicates join against
// subset_keys once per key; created_at window and marked-deleted exclusion
// apply directly against the subsets row.
func (c *Catalog) FindSubsets(q FindSubsetsQuery) ([]string, error) {
	type namedPred struct {
		name string
		pred KeyPredicate
	}
	ordered := make([]namedPred, 0, len(q.KeyPredicates))
	for name, pred := range q.KeyPredicates {
		ordered = append(ordered, namedPred{name, pred})
	}

	var b strings.Builder
	args := []any{}
	b.WriteString("SELECT DISTINCT s.subset_uuid FROM subsets s")

	for i, np := range ordered {
		alias := fmt.Sprintf("k%d", i)
		b.WriteString(fmt.Sprintf(
			" JOIN subset_keys %s ON %s.dataset_uuid = s.dataset_uuid AND %s.subset_uuid = s.subset_uuid AND %s.key_name = ?",
			alias, alias, alias, alias,
		))
		args = append(args, np.name)
	}
	b.WriteString(" WHERE s.dataset_uuid = ?")
	args = append(args, q.DatasetUUID)

	for i, np := range ordered {
		alias := fmt.Sprintf("k%d", i)
		pred := np.pred
		switch {
		case pred.Eq != nil:
			col := "key_value_num"
			if _, ok := pred.Eq.(string); ok {
				col = "key_value_text"
			}
			b.WriteString(fmt.Sprintf(" AND %s.%s = ?", alias, col))
			args = append(args, pred.Eq)
		case pred.RangeMin != nil || pred.RangeMax != nil:
			if pred.RangeMin != nil {
				b.WriteString(fmt.Sprintf(" AND %s.key_value_num >= ?", alias))
				args = append(args, *pred.RangeMin)
			}
			if pred.RangeMax != nil {
				b.WriteString(fmt.Sprintf(" AND %s.key_value_num <= ?", alias))
				args = append(args, *pred.RangeMax)
			}
		default:
			return nil, derrors.New(derrors.InvalidKeyValue, "predicate must set Eq or a range bound")
		}
	}
	if q.CreatedAfter != nil {
		b.WriteString(" AND s.created_at_epoch >= ?")
		args = append(args, *q.CreatedAfter)
	}
	if q.CreatedBefore != nil {
		b.WriteString(" AND s.created_at_epoch <= ?")
		args = append(args, *q.CreatedBefore)
	}
	if q.ExcludeMarked {
		b.WriteString(" AND s.marked_deleted = 0")
	}

	rows, err := c.db.Query(b.String(), args...)
	if err != nil {
		return nil, derrors.Wrap(derrors.IOFault, err, "find_subsets query failed")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var su string
		if err := rows.Scan(&su); err != nil {
			return nil, derrors.Wrap(derrors.IOFault, err, "failed to scan subset_uuid")
		}
		out = append(out, su)
	}
	return out, rows.Err()
}
