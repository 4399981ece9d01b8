package ledgersync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/mmdatafocus/ordersync/models"
	"gorm.io/gorm"
)

type DependencySpec struct {
	EntityType models.EntityType
	Required   bool
}

type DependencyDecl struct {
	EntityType models.EntityType
	DependsOn  []DependencySpec
}

// DependencyGraph is the validated, acyclic set of cross-entity sync dependencies.
type DependencyGraph struct {
	deps  map[models.EntityType][]DependencySpec
	order []models.EntityType
}

func DefaultDependencyDecls() []DependencyDecl {
	return []DependencyDecl{
		{EntityType: models.EntityTypeCustomer},
		{EntityType: models.EntityTypeTax},
		{EntityType: models.EntityTypePaymentMode},
		{EntityType: models.EntityTypeItem, DependsOn: []DependencySpec{
			{EntityType: models.EntityTypeTax, Required: false},
		}},
		{EntityType: models.EntityTypeInvoice, DependsOn: []DependencySpec{
			{EntityType: models.EntityTypeCustomer, Required: true},
			{EntityType: models.EntityTypeItem, Required: true},
		}},
		{EntityType: models.EntityTypePayment, DependsOn: []DependencySpec{
			{EntityType: models.EntityTypeInvoice, Required: true},
			{EntityType: models.EntityTypeCustomer, Required: true},
			{EntityType: models.EntityTypePaymentMode, Required: false},
		}},
	}
}

func DefaultDependencyGraph() *DependencyGraph {
	g, err := NewDependencyGraph(DefaultDependencyDecls())
	if err != nil {
		panic(err)
	}
	return g
}

// NewDependencyGraph rejects unknown types, duplicate declarations, self references and cycles.
func NewDependencyGraph(decls []DependencyDecl) (*DependencyGraph, error) {
	g := &DependencyGraph{deps: make(map[models.EntityType][]DependencySpec, len(decls))}
	for _, d := range decls {
		if !d.EntityType.IsValid() {
			return nil, fmt.Errorf("dependency graph: unknown entity type %q", d.EntityType)
		}
		if _, dup := g.deps[d.EntityType]; dup {
			return nil, fmt.Errorf("dependency graph: %s declared twice", d.EntityType)
		}
		seen := map[models.EntityType]bool{}
		for _, dep := range d.DependsOn {
			if !dep.EntityType.IsValid() {
				return nil, fmt.Errorf("dependency graph: %s depends on unknown type %q", d.EntityType, dep.EntityType)
			}
			if dep.EntityType == d.EntityType {
				return nil, fmt.Errorf("dependency graph: %s depends on itself", d.EntityType)
			}
			if seen[dep.EntityType] {
				return nil, fmt.Errorf("dependency graph: %s lists %s twice", d.EntityType, dep.EntityType)
			}
			seen[dep.EntityType] = true
		}
		g.deps[d.EntityType] = append([]DependencySpec(nil), d.DependsOn...)
	}
	for t, deps := range g.deps {
		for _, dep := range deps {
			if _, ok := g.deps[dep.EntityType]; !ok {
				return nil, fmt.Errorf("dependency graph: %s depends on undeclared %s", t, dep.EntityType)
			}
		}
	}
	order, err := g.topoSort()
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

// Kahn's algorithm; ties broken by name so Order() is stable.
func (g *DependencyGraph) topoSort() ([]models.EntityType, error) {
	indegree := make(map[models.EntityType]int, len(g.deps))
	dependents := make(map[models.EntityType][]models.EntityType)
	for t, deps := range g.deps {
		indegree[t] += 0
		for _, dep := range deps {
			indegree[t]++
			dependents[dep.EntityType] = append(dependents[dep.EntityType], t)
		}
	}
	var ready []models.EntityType
	for t, n := range indegree {
		if n == 0 {
			ready = append(ready, t)
		}
	}
	order := make([]models.EntityType, 0, len(g.deps))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
		t := ready[0]
		ready = ready[1:]
		order = append(order, t)
		for _, d := range dependents[t] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}
	if len(order) != len(g.deps) {
		return nil, fmt.Errorf("dependency graph: cycle detected")
	}
	return order, nil
}

func (g *DependencyGraph) DependsOn(t models.EntityType) []DependencySpec {
	return g.deps[t]
}

// Order lists entity types so that every type follows its dependencies.
func (g *DependencyGraph) Order() []models.EntityType {
	return append([]models.EntityType(nil), g.order...)
}

// LocalRefs are the local ids an operation points at, by entity type.
type LocalRefs map[models.EntityType][]uint

// ResolvedRefs maps entity type -> local id -> external id; nil for missing optional refs.
type ResolvedRefs map[models.EntityType]map[string]*string

// External returns the external id resolved for a referenced local row.
func (r ResolvedRefs) External(t models.EntityType, localId uint) string {
	if m, ok := r[t]; ok {
		if v := m[strconv.FormatUint(uint64(localId), 10)]; v != nil {
			return *v
		}
	}
	return ""
}

type Resolution struct {
	Refs ResolvedRefs
	// missing required references, "type:local_id"
	Held []string
}

func (r Resolution) IsHeld() bool { return len(r.Held) > 0 }

func DecodeLocalRefs(raw []byte) (LocalRefs, error) {
	refs := LocalRefs{}
	if len(raw) == 0 {
		return refs, nil
	}
	if err := json.Unmarshal(raw, &refs); err != nil {
		return nil, fmt.Errorf("decode local refs: %w", err)
	}
	return refs, nil
}

// Resolve looks up the mapping of every entity the operation references. Only outbound
// creates and updates carry dependencies.
func (g *DependencyGraph) Resolve(ctx context.Context, db *gorm.DB, op models.SyncOperation) (Resolution, error) {
	res := Resolution{Refs: ResolvedRefs{}}
	if op.Direction != models.SyncDirectionOutbound || op.OperationType == models.SyncOperationDelete {
		return res, nil
	}
	refs, err := DecodeLocalRefs(op.LocalRefs)
	if err != nil {
		return res, err
	}
	for _, dep := range g.DependsOn(op.EntityType) {
		ids := nonZero(refs[dep.EntityType])
		if len(ids) == 0 {
			continue
		}
		mapped, err := models.MappedExternalIds(ctx, db, op.TenantId, dep.EntityType, ids)
		if err != nil {
			return res, err
		}
		byId := make(map[string]*string, len(ids))
		for _, id := range ids {
			key := strconv.FormatUint(uint64(id), 10)
			if ext, ok := mapped[id]; ok {
				e := ext
				byId[key] = &e
				continue
			}
			if dep.Required {
				res.Held = append(res.Held, fmt.Sprintf("%s:%d", dep.EntityType, id))
				continue
			}
			byId[key] = nil
		}
		res.Refs[dep.EntityType] = byId
	}
	return res, nil
}

func nonZero(ids []uint) []uint {
	out := make([]uint, 0, len(ids))
	seen := make(map[uint]bool, len(ids))
	for _, id := range ids {
		if id == 0 || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
