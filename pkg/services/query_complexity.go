package services

import (
	"encoding/json"

	"github.com/ekaya-inc/ekaya-crossquery/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/models"
)

// Complexity weights.
const (
	ComplexityBase             = 10
	ComplexityPerField         = 2
	ComplexityPerJoin          = 15
	ComplexityPerWhere         = 3
	ComplexityPerOrderBy       = 2
	DefaultComplexityThreshold = 100
)

// ComplexityScorer is a cheap pre-filter run on requests before planning.
// Scoring never fails: absent or malformed parts contribute nothing.
type ComplexityScorer struct {
	Threshold int
}

// NewComplexityScorer creates a scorer. A non-positive threshold means
// DefaultComplexityThreshold.
func NewComplexityScorer(threshold int) *ComplexityScorer {
	if threshold <= 0 {
		threshold = DefaultComplexityThreshold
	}
	return &ComplexityScorer{Threshold: threshold}
}

// Score computes the complexity of a decoded request.
func (s *ComplexityScorer) Score(q *models.QueryRequest) int {
	if q == nil {
		return ComplexityBase
	}
	score := ComplexityBase +
		ComplexityPerField*len(q.Select) +
		ComplexityPerJoin*len(q.Joins) +
		ComplexityPerOrderBy*len(q.OrderBy)
	if q.Where != nil {
		score += ComplexityPerWhere * models.CountWhereNodes(q.Where.Root)
	}
	return score
}

// ScoreRaw computes the complexity of an undecoded JSON request. It tolerates
// any shape, including invalid JSON, which scores the base only.
func (s *ComplexityScorer) ScoreRaw(data []byte) int {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return ComplexityBase
	}
	return ComplexityBase +
		ComplexityPerField*arrayLen(doc["select"]) +
		ComplexityPerJoin*arrayLen(doc["joins"]) +
		ComplexityPerWhere*countRawWhereNodes(doc["where"]) +
		ComplexityPerOrderBy*arrayLen(doc["orderBy"])
}

// Check returns a *apperrors.QueryTooComplexError when score exceeds the threshold.
func (s *ComplexityScorer) Check(score int) error {
	if score > s.Threshold {
		return &apperrors.QueryTooComplexError{Score: score, Threshold: s.Threshold}
	}
	return nil
}

func arrayLen(v any) int {
	arr, ok := v.([]any)
	if !ok {
		return 0
	}
	return len(arr)
}

// countRawWhereNodes mirrors models.CountWhereNodes for undecoded JSON. An object
// with a "logic" key is a branch; any other object is a leaf.
func countRawWhereNodes(v any) int {
	obj, ok := v.(map[string]any)
	if !ok {
		return 0
	}
	if _, isBranch := obj["logic"]; !isBranch {
		return 1
	}
	n := 1
	if children, ok := obj["conditions"].([]any); ok {
		for _, child := range children {
			n += countRawWhereNodes(child)
		}
	}
	return n
}
