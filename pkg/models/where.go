package models

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// WhereOperator is a comparison applied by a WhereLeaf.
type WhereOperator string

const (
	OpEq        WhereOperator = "eq"
	OpNeq       WhereOperator = "neq"
	OpGt        WhereOperator = "gt"
	OpGte       WhereOperator = "gte"
	OpLt        WhereOperator = "lt"
	OpLte       WhereOperator = "lte"
	OpIn        WhereOperator = "in"
	OpNin       WhereOperator = "nin"
	OpLike      WhereOperator = "like"
	OpIlike     WhereOperator = "ilike"
	OpIsNull    WhereOperator = "is_null"
	OpIsNotNull WhereOperator = "is_not_null"
	OpBetween   WhereOperator = "between"
)

var whereOperators = map[WhereOperator]bool{
	OpEq: true, OpNeq: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpIn: true, OpNin: true, OpLike: true, OpIlike: true,
	OpIsNull: true, OpIsNotNull: true, OpBetween: true,
}

// IsValid reports whether op is a known operator.
func (op WhereOperator) IsValid() bool {
	return whereOperators[op]
}

// LogicalOperator combines the children of a WhereBranch.
type LogicalOperator string

const (
	LogicAnd LogicalOperator = "and"
	LogicOr  LogicalOperator = "or"
)

// WhereCondition is a node of a filter tree: either a *WhereLeaf or a
// *WhereBranch. The set of implementations is closed.
type WhereCondition interface {
	whereCondition()
}

// WhereLeaf compares one qualified field against a value.
type WhereLeaf struct {
	Field    string        `json:"field"`
	Operator WhereOperator `json:"operator"`
	Value    any           `json:"value,omitempty"`
}

// WhereBranch combines child conditions with AND or OR.
type WhereBranch struct {
	Logic      LogicalOperator  `json:"logic"`
	Conditions []WhereCondition `json:"conditions"`
}

func (*WhereLeaf) whereCondition()   {}
func (*WhereBranch) whereCondition() {}

// UnmarshalJSON decodes children through DecodeWhereCondition.
func (b *WhereBranch) UnmarshalJSON(data []byte) error {
	var raw struct {
		Logic      LogicalOperator   `json:"logic"`
		Conditions []json.RawMessage `json:"conditions"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	b.Logic = raw.Logic
	b.Conditions = make([]WhereCondition, 0, len(raw.Conditions))
	for i, child := range raw.Conditions {
		cond, err := DecodeWhereCondition(child)
		if err != nil {
			return fmt.Errorf("conditions[%d]: %w", i, err)
		}
		b.Conditions = append(b.Conditions, cond)
	}
	return nil
}

// DecodeWhereCondition picks the variant for a JSON filter node: an object with a
// "logic" key is a branch, anything else is a leaf.
func DecodeWhereCondition(data []byte) (WhereCondition, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("where condition must be an object: %w", err)
	}
	if _, ok := probe["logic"]; ok {
		branch := &WhereBranch{}
		if err := json.Unmarshal(data, branch); err != nil {
			return nil, err
		}
		return branch, nil
	}
	leaf := &WhereLeaf{}
	if err := json.Unmarshal(data, leaf); err != nil {
		return nil, err
	}
	return leaf, nil
}

// WhereClause carries the root of a filter tree on a QueryRequest.
type WhereClause struct {
	Root WhereCondition
}

// NewWhereClause wraps a condition for use in a QueryRequest.
func NewWhereClause(root WhereCondition) *WhereClause {
	return &WhereClause{Root: root}
}

func (w *WhereClause) UnmarshalJSON(data []byte) error {
	root, err := DecodeWhereCondition(data)
	if err != nil {
		return err
	}
	w.Root = root
	return nil
}

func (w WhereClause) MarshalJSON() ([]byte, error) {
	return json.Marshal(w.Root)
}

// CountWhereNodes counts every leaf and branch in the tree.
func CountWhereNodes(cond WhereCondition) int {
	switch c := cond.(type) {
	case *WhereLeaf:
		if c == nil {
			return 0
		}
		return 1
	case *WhereBranch:
		if c == nil {
			return 0
		}
		n := 1
		for _, child := range c.Conditions {
			n += CountWhereNodes(child)
		}
		return n
	default:
		return 0
	}
}

// WalkWhere visits every node depth-first. path is the JSON path of the node,
// rooted at "where".
func WalkWhere(cond WhereCondition, fn func(path string, cond WhereCondition)) {
	walkWhere(cond, "where", fn)
}

func walkWhere(cond WhereCondition, path string, fn func(string, WhereCondition)) {
	switch c := cond.(type) {
	case *WhereLeaf:
		if c != nil {
			fn(path, c)
		}
	case *WhereBranch:
		if c == nil {
			return
		}
		fn(path, c)
		for i, child := range c.Conditions {
			walkWhere(child, path+".conditions["+strconv.Itoa(i)+"]", fn)
		}
	}
}
