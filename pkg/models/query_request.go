package models

import (
	"regexp"
	"unicode"
	"unicode/utf8"
)

// Request limits enforced on the wire shape, independent of tenant guardrails.
const (
	MaxRequestSelectFields = 50
	MaxRequestJoins        = 5
	MaxRequestOrderBy      = 5
	MinRequestLimit        = 1
	MaxRequestLimit        = 1000
)

// JoinType is the SQL join flavour requested for a join.
type JoinType string

const (
	JoinTypeInner JoinType = "inner"
	JoinTypeLeft  JoinType = "left"
)

// SortDirection orders a result column.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

var (
	aliasPattern    = regexp.MustCompile(`(?i)^[a-z][a-z0-9_]*$`)
	fieldRefPattern = regexp.MustCompile(`^(\w+)\.(\w+)$`)
	joinOnPattern   = regexp.MustCompile(`^(\w+)\.(\w+)\s*=\s*(\w+)\.(\w+)$`)
)

// QueryRequest is a declarative cross-entity query as submitted by a caller.
type QueryRequest struct {
	From         string           `json:"from"`
	As           string           `json:"as,omitempty"`
	Select       []string         `json:"select"`
	Joins        []JoinDefinition `json:"joins,omitempty"`
	Where        *WhereClause     `json:"where,omitempty"`
	OrderBy      []OrderBy        `json:"orderBy,omitempty"`
	Limit        int              `json:"limit"`
	Offset       int              `json:"offset,omitempty"`
	IncludeCount bool             `json:"includeCount,omitempty"`
	Options      *QueryOptions    `json:"options,omitempty"`
}

// JoinDefinition is one requested join. On has the form "a.x = b.y" where a is
// an alias bound earlier in the request.
type JoinDefinition struct {
	Type   JoinType `json:"type"`
	Entity string   `json:"entity"`
	As     string   `json:"as"`
	On     string   `json:"on"`
}

// OrderBy is a single sort key.
type OrderBy struct {
	Field     string        `json:"field"`
	Direction SortDirection `json:"direction,omitempty"`
}

// QueryOptions are execution hints. Timeout is in milliseconds.
type QueryOptions struct {
	Timeout    int  `json:"timeout,omitempty"`
	UseReplica bool `json:"useReplica,omitempty"`
	Explain    bool `json:"explain,omitempty"`
	Distinct   bool `json:"distinct,omitempty"`
}

// BaseAlias returns the alias bound to the base entity: the explicit As, or the
// lowercased first letter of From.
func (q *QueryRequest) BaseAlias() string {
	if q.As != "" {
		return q.As
	}
	return DefaultAlias(q.From)
}

// DefaultAlias derives the implicit alias for an entity name.
func DefaultAlias(entity string) string {
	r, _ := utf8.DecodeRuneInString(entity)
	if r == utf8.RuneError {
		return ""
	}
	return string(unicode.ToLower(r))
}

// Normalized returns a copy of the request with the base alias made explicit and
// join conditions rewritten to the canonical "a.x = b.y" spacing.
func (q *QueryRequest) Normalized() *QueryRequest {
	out := *q
	out.As = q.BaseAlias()
	out.Select = append([]string(nil), q.Select...)
	out.OrderBy = append([]OrderBy(nil), q.OrderBy...)
	if q.Joins != nil {
		out.Joins = make([]JoinDefinition, len(q.Joins))
		for i, j := range q.Joins {
			if cond, ok := ParseJoinCondition(j.On); ok {
				j.On = cond.String()
			}
			out.Joins[i] = j
		}
	}
	if q.Options != nil {
		opts := *q.Options
		out.Options = &opts
	}
	return &out
}

// IsValidAlias reports whether s is usable as an alias.
func IsValidAlias(s string) bool {
	return aliasPattern.MatchString(s)
}

// ParseFieldRef splits "alias.field". ok is false for anything else.
func ParseFieldRef(ref string) (alias, field string, ok bool) {
	m := fieldRefPattern.FindStringSubmatch(ref)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// JoinCondition is a parsed "a.x = b.y" equality.
type JoinCondition struct {
	SourceAlias string
	SourceField string
	TargetAlias string
	TargetField string
}

func (c JoinCondition) String() string {
	return c.SourceAlias + "." + c.SourceField + " = " + c.TargetAlias + "." + c.TargetField
}

// ParseJoinCondition parses a join's On expression. Only a single equality
// between two qualified fields is accepted.
func ParseJoinCondition(on string) (JoinCondition, bool) {
	m := joinOnPattern.FindStringSubmatch(on)
	if m == nil {
		return JoinCondition{}, false
	}
	return JoinCondition{SourceAlias: m[1], SourceField: m[2], TargetAlias: m[3], TargetField: m[4]}, true
}

