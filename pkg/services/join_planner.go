package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-crossquery/pkg/models"
)

// LargeOffsetWarningThreshold is the offset above which a plan carries a
// LARGE_OFFSET warning.
const LargeOffsetWarningThreshold = 10000

// JoinPlanner validates a QueryRequest against a tenant's registry and resolves
// it into a JoinPlan.
type JoinPlanner interface {
	// PlanJoins validates the request in one pass and reports every problem it
	// finds. Plan is nil whenever Validation.Valid is false. Only an unknown
	// base entity stops validation early.
	PlanJoins(ctx context.Context, query *models.QueryRequest, tenantID uuid.UUID) *models.PlanResult

	// Guardrails returns the limits this planner enforces.
	Guardrails() models.QueryGuardrails
}

type joinPlanner struct {
	registry   RelationshipRegistry
	guardrails models.QueryGuardrails
	logger     *zap.Logger
}

// NewJoinPlanner creates a JoinPlanner enforcing the given guardrails.
func NewJoinPlanner(registry RelationshipRegistry, guardrails models.QueryGuardrails, logger *zap.Logger) JoinPlanner {
	return &joinPlanner{
		registry:   registry,
		guardrails: guardrails,
		logger:     logger.Named("join-planner"),
	}
}

var _ JoinPlanner = (*joinPlanner)(nil)

func (p *joinPlanner) Guardrails() models.QueryGuardrails {
	return p.guardrails
}

// aliasBinding is what an alias resolves to while planning.
type aliasBinding struct {
	entity   *models.EntityMetadata
	parent   string
	joinType models.JoinType
	depth    int
}

// planState accumulates errors, warnings and bindings for one PlanJoins call.
type planState struct {
	errors   []models.ValidationError
	warnings []models.ValidationWarning
	aliases  map[string]*aliasBinding
	// order of alias registration, base first
	order []string
	// selected fields per alias, in select order
	selected map[string][]string
}

func (s *planState) fail(code, path, format string, args ...any) {
	s.errors = append(s.errors, models.ValidationError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Path:    path,
	})
}

func (s *planState) warn(code, path, format string, args ...any) {
	s.warnings = append(s.warnings, models.ValidationWarning{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Path:    path,
	})
}

func (s *planState) bind(alias string, b *aliasBinding) {
	s.aliases[alias] = b
	s.order = append(s.order, alias)
}

func (p *joinPlanner) PlanJoins(ctx context.Context, query *models.QueryRequest, tenantID uuid.UUID) *models.PlanResult {
	state := &planState{
		aliases:  make(map[string]*aliasBinding),
		selected: make(map[string][]string),
	}

	if query == nil {
		state.fail(models.ErrCodeSyntaxError, "", "query is required")
		return p.invalid(state)
	}

	base, ok := p.registry.GetEntity(ctx, tenantID, query.From)
	if !ok {
		state.fail(models.ErrCodeUnknownEntity, "from", "unknown entity %q", query.From)
		p.logger.Debug("Unknown base entity",
			zap.String("tenant_id", tenantID.String()),
			zap.String("entity", query.From))
		return p.invalid(state)
	}

	baseAlias := query.BaseAlias()
	state.bind(baseAlias, &aliasBinding{entity: base})

	// First binding of every alias, by join index. The base alias owns index -1.
	firstBinding := map[string]int{baseAlias: -1}
	for i, join := range query.Joins {
		if _, dup := firstBinding[join.As]; dup {
			state.fail(models.ErrCodeDuplicateAlias, fmt.Sprintf("joins[%d].as", i),
				"alias %q is already bound", join.As)
			continue
		}
		firstBinding[join.As] = i
	}

	if len(query.Joins) > p.guardrails.MaxJoins {
		state.fail(models.ErrCodeMaxJoinsExceeded, "joins",
			"%d joins requested, at most %d are allowed", len(query.Joins), p.guardrails.MaxJoins)
	}

	planned := make([]models.PlannedJoin, 0, len(query.Joins))
	for i, join := range query.Joins {
		if pj, ok := p.planJoin(ctx, tenantID, state, i, join, firstBinding[join.As] == i); ok {
			planned = append(planned, pj)
		}
	}

	p.validateSelect(state, query.Select)
	p.validateWhere(state, query.Where)
	for i, o := range query.OrderBy {
		p.checkFieldRef(state, o.Field, fmt.Sprintf("orderBy[%d].field", i))
	}

	if query.Limit > p.guardrails.MaxLimit {
		state.fail(models.ErrCodeMaxLimitExceeded, "limit",
			"limit %d exceeds the maximum of %d", query.Limit, p.guardrails.MaxLimit)
	}
	if query.Offset > LargeOffsetWarningThreshold {
		state.warn(models.WarnCodeLargeOffset, "offset",
			"offset %d is large; consider narrowing the filter instead", query.Offset)
	}

	p.logger.Debug("Planned query",
		zap.String("tenant_id", tenantID.String()),
		zap.String("entity", base.Name),
		zap.Int("joins", len(planned)),
		zap.Int("errors", len(state.errors)))

	if len(state.errors) > 0 {
		return p.invalid(state)
	}

	plan := &models.JoinPlan{
		BaseEntity: base.Name,
		BaseTable:  base.TableName,
		BaseAlias:  baseAlias,
		Joins:      planned,
		JoinGraph:  buildJoinGraph(state),
		Warnings:   state.warningsOrEmpty(),
	}
	for _, pj := range planned {
		if pj.Depth > plan.MaxDepth {
			plan.MaxDepth = pj.Depth
		}
	}

	return &models.PlanResult{
		Plan: plan,
		Validation: models.ValidationResult{
			Valid:           true,
			Errors:          []models.ValidationError{},
			Warnings:        state.warningsOrEmpty(),
			NormalizedQuery: query.Normalized(),
		},
	}
}

// planJoin runs the per-join checks. The join is registered only when register
// is set, so a duplicate alias never replaces its first binding.
func (p *joinPlanner) planJoin(
	ctx context.Context,
	tenantID uuid.UUID,
	state *planState,
	i int,
	join models.JoinDefinition,
	register bool,
) (models.PlannedJoin, bool) {
	path := fmt.Sprintf("joins[%d]", i)

	if !p.guardrails.AllowsJoinType(join.Type) {
		state.fail(models.ErrCodeInvalidJoin, path+".type", "join type %q is not allowed", join.Type)
		return models.PlannedJoin{}, false
	}

	cond, ok := models.ParseJoinCondition(join.On)
	if !ok {
		state.fail(models.ErrCodeInvalidJoin, path+".on",
			"join condition %q must have the form alias.field = alias.field", join.On)
		return models.PlannedJoin{}, false
	}
	source, bound := state.aliases[cond.SourceAlias]
	if !bound {
		state.fail(models.ErrCodeInvalidJoin, path+".on",
			"alias %q in join condition is not bound by from or an earlier join", cond.SourceAlias)
		return models.PlannedJoin{}, false
	}

	target, ok := p.registry.GetEntity(ctx, tenantID, join.Entity)
	if !ok {
		state.fail(models.ErrCodeUnknownEntity, path+".entity", "unknown entity %q", join.Entity)
		return models.PlannedJoin{}, false
	}

	rel, ok := p.registry.GetRelationship(ctx, tenantID, source.entity.Name, target.Name)
	if !ok {
		state.fail(models.ErrCodeJoinNotAllowed, path,
			"no relationship is declared from %s to %s", source.entity.Name, target.Name)
		return models.PlannedJoin{}, false
	}

	depth := source.depth + 1
	if depth > p.guardrails.MaxDepth {
		state.fail(models.ErrCodeMaxDepthExceeded, path,
			"join depth %d exceeds the maximum of %d", depth, p.guardrails.MaxDepth)
		return models.PlannedJoin{}, false
	}

	if rel.SourceField != "" && rel.TargetField != "" &&
		(cond.SourceField != rel.SourceField || cond.TargetField != rel.TargetField) {
		state.warn(models.WarnCodeJoinConditionMismatch, path+".on",
			"relationship %s joins %s.%s to %s.%s; the condition will use the declared fields",
			rel.Name, rel.SourceEntity, rel.SourceField, rel.TargetEntity, rel.TargetField)
	}

	if !register {
		return models.PlannedJoin{}, false
	}
	state.bind(join.As, &aliasBinding{
		entity:   target,
		parent:   cond.SourceAlias,
		joinType: join.Type,
		depth:    depth,
	})

	return models.PlannedJoin{
		Join:         join,
		SourceEntity: source.entity.Name,
		SourceAlias:  cond.SourceAlias,
		TargetEntity: target.Name,
		TargetTable:  target.TableName,
		Relationship: *rel,
		Depth:        depth,
	}, true
}

func (p *joinPlanner) validateSelect(state *planState, fields []string) {
	switch {
	case len(fields) == 0:
		state.fail(models.ErrCodeSyntaxError, "select", "select requires at least one field")
	case len(fields) > p.guardrails.MaxSelectFields:
		state.fail(models.ErrCodeMaxFieldsExceeded, "select",
			"%d fields selected, at most %d are allowed", len(fields), p.guardrails.MaxSelectFields)
	}

	for i, ref := range fields {
		alias, field, ok := p.checkFieldRef(state, ref, fmt.Sprintf("select[%d]", i))
		if ok {
			state.selected[alias] = append(state.selected[alias], field)
		}
	}
}

func (p *joinPlanner) validateWhere(state *planState, where *models.WhereClause) {
	if where == nil {
		return
	}
	models.WalkWhere(where.Root, func(path string, cond models.WhereCondition) {
		if leaf, ok := cond.(*models.WhereLeaf); ok {
			p.checkFieldRef(state, leaf.Field, path+".field")
		}
	})
}

// checkFieldRef validates an "alias.field" reference against the bound aliases.
func (p *joinPlanner) checkFieldRef(state *planState, ref, path string) (alias, field string, ok bool) {
	alias, field, ok = models.ParseFieldRef(ref)
	if !ok {
		state.fail(models.ErrCodeSyntaxError, path, "%q must have the form alias.field", ref)
		return "", "", false
	}
	binding, bound := state.aliases[alias]
	if !bound {
		state.fail(models.ErrCodeInvalidAlias, path, "alias %q is not bound", alias)
		return "", "", false
	}
	if !binding.entity.HasField(field) {
		state.fail(models.ErrCodeUnknownField, path, "entity %s has no field %q", binding.entity.Name, field)
		return "", "", false
	}
	return alias, field, true
}

func (p *joinPlanner) invalid(state *planState) *models.PlanResult {
	return &models.PlanResult{
		Validation: models.ValidationResult{
			Valid:    false,
			Errors:   state.errors,
			Warnings: state.warningsOrEmpty(),
		},
	}
}

func (s *planState) warningsOrEmpty() []models.ValidationWarning {
	if s.warnings == nil {
		return []models.ValidationWarning{}
	}
	return append([]models.ValidationWarning(nil), s.warnings...)
}

func buildJoinGraph(state *planState) models.JoinGraph {
	nodes := make([]models.JoinGraphNode, 0, len(state.order))
	for _, alias := range state.order {
		b := state.aliases[alias]
		fields := state.selected[alias]
		if fields == nil {
			fields = []string{}
		}
		nodes = append(nodes, models.JoinGraphNode{
			Alias:       alias,
			Entity:      b.entity.Name,
			Table:       b.entity.TableName,
			ParentAlias: b.parent,
			JoinType:    b.joinType,
			Depth:       b.depth,
			Fields:      fields,
		})
	}
	return models.JoinGraph{Nodes: nodes}
}
