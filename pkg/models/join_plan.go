package models

// QueryGuardrails bound what a single request may ask for.
type QueryGuardrails struct {
	MaxJoins         int        `json:"maxJoins"`
	MaxDepth         int        `json:"maxDepth"`
	MaxSelectFields  int        `json:"maxSelectFields"`
	MaxLimit         int        `json:"maxLimit"`
	AllowedJoinTypes []JoinType `json:"allowedJoinTypes"`
}

// DefaultQueryGuardrails returns the guardrails used when none are configured.
func DefaultQueryGuardrails() QueryGuardrails {
	return QueryGuardrails{
		MaxJoins:         3,
		MaxDepth:         2,
		MaxSelectFields:  50,
		MaxLimit:         200,
		AllowedJoinTypes: []JoinType{JoinTypeInner, JoinTypeLeft},
	}
}

// AllowsJoinType reports whether t is in AllowedJoinTypes.
func (g QueryGuardrails) AllowsJoinType(t JoinType) bool {
	for _, allowed := range g.AllowedJoinTypes {
		if allowed == t {
			return true
		}
	}
	return false
}

// PlannedJoin is a join that passed validation, resolved against the registry.
type PlannedJoin struct {
	Join         JoinDefinition     `json:"join"`
	SourceEntity string             `json:"sourceEntity"`
	SourceAlias  string             `json:"sourceAlias"`
	TargetEntity string             `json:"targetEntity"`
	TargetTable  string             `json:"targetTable"`
	Relationship EntityRelationship `json:"relationship"`
	Depth        int                `json:"depth"`
}

// JoinGraphNode is an alias in the resolved join tree. The base entity's node
// has depth 0 and no parent.
type JoinGraphNode struct {
	Alias       string   `json:"alias"`
	Entity      string   `json:"entity"`
	Table       string   `json:"table"`
	ParentAlias string   `json:"parentAlias,omitempty"`
	JoinType    JoinType `json:"joinType,omitempty"`
	Depth       int      `json:"depth"`
	Fields      []string `json:"fields"`
}

// JoinGraph is the alias tree rooted at the base entity, in planning order.
type JoinGraph struct {
	Nodes []JoinGraphNode `json:"nodes"`
}

// Node returns the node bound to alias.
func (g *JoinGraph) Node(alias string) (*JoinGraphNode, bool) {
	for i := range g.Nodes {
		if g.Nodes[i].Alias == alias {
			return &g.Nodes[i], true
		}
	}
	return nil, false
}

// JoinPlan is the validated, resolved form of a request.
type JoinPlan struct {
	BaseEntity string              `json:"baseEntity"`
	BaseTable  string              `json:"baseTable"`
	BaseAlias  string              `json:"baseAlias"`
	Joins      []PlannedJoin       `json:"joins"`
	JoinGraph  JoinGraph           `json:"joinGraph"`
	MaxDepth   int                 `json:"maxDepth"`
	Warnings   []ValidationWarning `json:"warnings"`
}

// PlanResult pairs the plan (nil when invalid) with its validation outcome.
type PlanResult struct {
	Plan       *JoinPlan        `json:"plan,omitempty"`
	Validation ValidationResult `json:"validation"`
}

// ExplainJoin is one join as reported by explain.
type ExplainJoin struct {
	Entity string   `json:"entity"`
	Table  string   `json:"table"`
	Type   JoinType `json:"type"`
	Alias  string   `json:"alias"`
	Depth  int      `json:"depth"`
}

// ExplainResult describes how a valid request would be executed.
type ExplainResult struct {
	BaseEntity      string              `json:"baseEntity"`
	BaseTable       string              `json:"baseTable"`
	Joins           []ExplainJoin       `json:"joins"`
	JoinGraph       JoinGraph           `json:"joinGraph"`
	MaxDepth        int                 `json:"maxDepth"`
	ComplexityScore int                 `json:"complexityScore"`
	ProjectedSQL    string              `json:"projectedSql,omitempty"`
	ProjectedArgs   []any               `json:"projectedArgs,omitempty"`
	Warnings        []ValidationWarning `json:"warnings"`
}

// NewExplainResult builds the explain view of a plan.
func NewExplainResult(plan *JoinPlan) *ExplainResult {
	joins := make([]ExplainJoin, 0, len(plan.Joins))
	for _, pj := range plan.Joins {
		joins = append(joins, ExplainJoin{
			Entity: pj.TargetEntity,
			Table:  pj.TargetTable,
			Type:   pj.Join.Type,
			Alias:  pj.Join.As,
			Depth:  pj.Depth,
		})
	}
	warnings := plan.Warnings
	if warnings == nil {
		warnings = []ValidationWarning{}
	}
	return &ExplainResult{
		BaseEntity: plan.BaseEntity,
		BaseTable:  plan.BaseTable,
		Joins:      joins,
		JoinGraph:  plan.JoinGraph,
		MaxDepth:   plan.MaxDepth,
		Warnings:   warnings,
	}
}
