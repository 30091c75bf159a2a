package models

import (
	"fmt"
	"strings"
)

// ValidateShape checks a decoded request against the wire-level rules (counts,
// alias syntax, enum values) before it reaches the planner. Registry-dependent
// checks are left to planning.
func ValidateShape(q *QueryRequest) []ValidationError {
	var errs []ValidationError
	add := func(path, format string, args ...any) {
		errs = append(errs, ValidationError{Code: ErrCodeSyntaxError, Message: fmt.Sprintf(format, args...), Path: path})
	}

	if strings.TrimSpace(q.From) == "" {
		add("from", "from is required")
	}
	if q.As != "" && !IsValidAlias(q.As) {
		add("as", "alias %q must match ^[a-z][a-z0-9_]*$", q.As)
	}

	switch n := len(q.Select); {
	case n == 0:
		add("select", "select requires at least one field")
	case n > MaxRequestSelectFields:
		add("select", "select has %d fields, at most %d are accepted", n, MaxRequestSelectFields)
	}

	if len(q.Joins) > MaxRequestJoins {
		add("joins", "%d joins requested, at most %d are accepted", len(q.Joins), MaxRequestJoins)
	}
	for i, j := range q.Joins {
		if j.Type != JoinTypeInner && j.Type != JoinTypeLeft {
			add(fmt.Sprintf("joins[%d].type", i), "join type %q must be inner or left", j.Type)
		}
		if j.Entity == "" {
			add(fmt.Sprintf("joins[%d].entity", i), "join entity is required")
		}
		if !IsValidAlias(j.As) {
			add(fmt.Sprintf("joins[%d].as", i), "alias %q must match ^[a-z][a-z0-9_]*$", j.As)
		}
		if j.On == "" {
			add(fmt.Sprintf("joins[%d].on", i), "join condition is required")
		}
	}

	if q.Where != nil {
		WalkWhere(q.Where.Root, func(path string, cond WhereCondition) {
			switch c := cond.(type) {
			case *WhereLeaf:
				if !c.Operator.IsValid() {
					add(path+".operator", "unknown operator %q", c.Operator)
				}
			case *WhereBranch:
				if c.Logic != LogicAnd && c.Logic != LogicOr {
					add(path+".logic", "logic %q must be and or or", c.Logic)
				}
			}
		})
	}

	if len(q.OrderBy) > MaxRequestOrderBy {
		add("orderBy", "%d sort keys requested, at most %d are accepted", len(q.OrderBy), MaxRequestOrderBy)
	}
	for i, o := range q.OrderBy {
		if o.Direction != "" && o.Direction != SortAsc && o.Direction != SortDesc {
			add(fmt.Sprintf("orderBy[%d].direction", i), "direction %q must be asc or desc", o.Direction)
		}
	}

	if q.Limit < MinRequestLimit || q.Limit > MaxRequestLimit {
		add("limit", "limit %d must be between %d and %d", q.Limit, MinRequestLimit, MaxRequestLimit)
	}
	if q.Offset < 0 {
		add("offset", "offset must not be negative")
	}
	if q.Options != nil && q.Options.Timeout < 0 {
		add("options.timeout", "timeout must not be negative")
	}

	return errs
}
