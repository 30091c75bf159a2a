package services

import (
	"fmt"
	"reflect"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-crossquery/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/models"
)

// ProjectedQuery is the SQL a valid plan translates to. Filter values are only
// ever bound through Args.
type ProjectedQuery struct {
	SQL       string
	Args      []any
	CountSQL  string
	CountArgs []any
}

// SQLProjector renders a JoinPlan as PostgreSQL.
type SQLProjector struct {
	builder sq.StatementBuilderType
}

// NewSQLProjector creates a projector emitting $n placeholders.
func NewSQLProjector() *SQLProjector {
	return &SQLProjector{builder: sq.StatementBuilder.PlaceholderFormat(sq.Dollar)}
}

// Project renders the plan. The request must be the one the plan was built
// from; CountSQL is only set when the request asks for a total count.
func (p *SQLProjector) Project(plan *models.JoinPlan, query *models.QueryRequest) (*ProjectedQuery, error) {
	if plan == nil || query == nil {
		return nil, fmt.Errorf("%w: plan and query are required", apperrors.ErrInvalidRequest)
	}

	columns := make([]string, 0, len(query.Select))
	for _, ref := range query.Select {
		col, err := qualifiedColumn(ref)
		if err != nil {
			return nil, err
		}
		columns = append(columns, col+" AS "+quoteIdent(ref))
	}

	from, err := p.fromClause(plan)
	if err != nil {
		return nil, err
	}
	where, err := whereSqlizer(query.Where)
	if err != nil {
		return nil, err
	}

	sel := from(p.builder.Select(columns...))
	if query.Options != nil && query.Options.Distinct {
		sel = sel.Distinct()
	}
	if where != nil {
		sel = sel.Where(where)
	}
	for _, o := range query.OrderBy {
		col, err := qualifiedColumn(o.Field)
		if err != nil {
			return nil, err
		}
		if o.Direction == models.SortDesc {
			col += " DESC"
		} else {
			col += " ASC"
		}
		sel = sel.OrderBy(col)
	}
	if query.Limit > 0 {
		sel = sel.Limit(uint64(query.Limit))
	}
	if query.Offset > 0 {
		sel = sel.Offset(uint64(query.Offset))
	}

	out := &ProjectedQuery{}
	if out.SQL, out.Args, err = sel.ToSql(); err != nil {
		return nil, fmt.Errorf("render select: %w", err)
	}

	if query.IncludeCount {
		count := from(p.builder.Select("COUNT(*)"))
		if where != nil {
			count = count.Where(where)
		}
		if out.CountSQL, out.CountArgs, err = count.ToSql(); err != nil {
			return nil, fmt.Errorf("render count: %w", err)
		}
	}
	return out, nil
}

// fromClause returns a function applying FROM and every JOIN, so the select and
// count statements share them.
func (p *SQLProjector) fromClause(plan *models.JoinPlan) (func(sq.SelectBuilder) sq.SelectBuilder, error) {
	base := tableRef(plan.BaseTable) + " AS " + quoteIdent(plan.BaseAlias)

	joins := make([]func(sq.SelectBuilder) sq.SelectBuilder, 0, len(plan.Joins))
	for _, pj := range plan.Joins {
		sourceField, targetField := pj.Relationship.SourceField, pj.Relationship.TargetField
		if sourceField == "" || targetField == "" {
			cond, ok := models.ParseJoinCondition(pj.Join.On)
			if !ok {
				return nil, fmt.Errorf("%w: join %s has no usable condition", apperrors.ErrInvalidRequest, pj.Join.As)
			}
			sourceField, targetField = cond.SourceField, cond.TargetField
		}

		clause := fmt.Sprintf("%s AS %s ON %s = %s",
			tableRef(pj.TargetTable),
			quoteIdent(pj.Join.As),
			pgx.Identifier{pj.SourceAlias, sourceField}.Sanitize(),
			pgx.Identifier{pj.Join.As, targetField}.Sanitize())

		switch pj.Join.Type {
		case models.JoinTypeInner:
			joins = append(joins, func(b sq.SelectBuilder) sq.SelectBuilder { return b.InnerJoin(clause) })
		case models.JoinTypeLeft:
			joins = append(joins, func(b sq.SelectBuilder) sq.SelectBuilder { return b.LeftJoin(clause) })
		default:
			return nil, fmt.Errorf("%w: unsupported join type %q", apperrors.ErrInvalidRequest, pj.Join.Type)
		}
	}

	return func(b sq.SelectBuilder) sq.SelectBuilder {
		b = b.From(base)
		for _, j := range joins {
			b = j(b)
		}
		return b
	}, nil
}

func whereSqlizer(where *models.WhereClause) (sq.Sqlizer, error) {
	if where == nil || where.Root == nil {
		return nil, nil
	}
	return conditionSqlizer(where.Root, "where")
}

func conditionSqlizer(cond models.WhereCondition, path string) (sq.Sqlizer, error) {
	switch c := cond.(type) {
	case *models.WhereBranch:
		parts := make([]sq.Sqlizer, 0, len(c.Conditions))
		for i, child := range c.Conditions {
			part, err := conditionSqlizer(child, fmt.Sprintf("%s.conditions[%d]", path, i))
			if err != nil {
				return nil, err
			}
			parts = append(parts, part)
		}
		if c.Logic == models.LogicOr {
			return sq.Or(parts), nil
		}
		return sq.And(parts), nil
	case *models.WhereLeaf:
		return leafSqlizer(c, path)
	default:
		return nil, fmt.Errorf("%w: %s: unsupported condition", apperrors.ErrInvalidRequest, path)
	}
}

func leafSqlizer(leaf *models.WhereLeaf, path string) (sq.Sqlizer, error) {
	col, err := qualifiedColumn(leaf.Field)
	if err != nil {
		return nil, err
	}

	switch leaf.Operator {
	case models.OpEq:
		return sq.Eq{col: leaf.Value}, nil
	case models.OpNeq:
		return sq.NotEq{col: leaf.Value}, nil
	case models.OpGt:
		return sq.Gt{col: leaf.Value}, nil
	case models.OpGte:
		return sq.GtOrEq{col: leaf.Value}, nil
	case models.OpLt:
		return sq.Lt{col: leaf.Value}, nil
	case models.OpLte:
		return sq.LtOrEq{col: leaf.Value}, nil
	case models.OpIn:
		return sq.Eq{col: asList(leaf.Value)}, nil
	case models.OpNin:
		return sq.NotEq{col: asList(leaf.Value)}, nil
	case models.OpLike:
		return sq.Like{col: leaf.Value}, nil
	case models.OpIlike:
		return sq.ILike{col: leaf.Value}, nil
	case models.OpIsNull:
		return sq.Eq{col: nil}, nil
	case models.OpIsNotNull:
		return sq.NotEq{col: nil}, nil
	case models.OpBetween:
		bounds := asList(leaf.Value)
		if len(bounds) != 2 {
			return nil, fmt.Errorf("%w: %s.value: between needs exactly two values", apperrors.ErrInvalidRequest, path)
		}
		return sq.Expr(col+" BETWEEN ? AND ?", bounds[0], bounds[1]), nil
	default:
		return nil, fmt.Errorf("%w: %s.operator: unsupported operator %q", apperrors.ErrInvalidRequest, path, leaf.Operator)
	}
}

// asList turns a JSON array (or any slice) into []any. A scalar becomes a
// one-element list.
func asList(v any) []any {
	if v == nil {
		return []any{}
	}
	if list, ok := v.([]any); ok {
		return list
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []any{v}
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

func qualifiedColumn(ref string) (string, error) {
	alias, field, ok := models.ParseFieldRef(ref)
	if !ok {
		return "", fmt.Errorf("%w: %q is not an alias.field reference", apperrors.ErrInvalidRequest, ref)
	}
	return pgx.Identifier{alias, field}.Sanitize(), nil
}

// tableRef quotes a possibly schema-qualified table name.
func tableRef(table string) string {
	return pgx.Identifier(strings.Split(table, ".")).Sanitize()
}

func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}
