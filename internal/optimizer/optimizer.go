// Package optimizer decides, per operation, where pagination, filtering
// and sorting should run and how aggressively results may be cached. It is
// a pure decision function: identical inputs always yield identical plans.
package optimizer

import (
	"sort"

	"github.com/obrasync/obrasync/internal/models"
)

type OperationKind string

const (
	KindRead    OperationKind = "read"
	KindReadOne OperationKind = "read_one"
	KindCreate  OperationKind = "create"
	KindUpdate  OperationKind = "update"
	KindDelete  OperationKind = "delete"
)

func (k OperationKind) write() bool {
	return k == KindCreate || k == KindUpdate || k == KindDelete
}

type CacheTier string

const (
	TierAggressive CacheTier = "aggressive"
	TierModerate   CacheTier = "moderate"
	TierMinimal    CacheTier = "minimal"
)

// Descriptor describes the operation being planned.
type Descriptor struct {
	Table    string
	Kind     OperationKind
	Filters  map[string]string
	Page     int
	PageSize int
}

// Plan is the optimization decision for one operation.
type Plan struct {
	ServerPagination bool
	ServerFiltering  bool
	ServerSorting    bool
	BatchSize        int
	CacheTier        CacheTier
	IndexHints       []string
}

// Dataset-size and filter-complexity cutoffs. Above the large cutoff the
// backend must paginate; above the very-large cutoff it also filters and
// sorts. Complex filter sets change often, so they cache minimally.
const (
	LargeDataset     = 1000
	VeryLargeDataset = 10000
	ComplexFilters   = 3

	DefaultBatchSize = 50
	LargeBatchSize   = 100
)

// indexHints lists fields per table that benefit from server-side indexing.
var indexHints = map[string][]string{
	models.TableProyectos:         {"id", "estado", "fecha_inicio"},
	models.TableActividades:       {"id", "proyecto_id", "estado"},
	models.TableMateriales:        {"id", "categoria", "stock_actual"},
	models.TablePersonal:          {"id", "especialidad"},
	models.TableAsignaciones:      {"id", "proyecto_id", "personal_id"},
	models.TableBOM:               {"id", "proyecto_id", "material_id"},
	models.TableSolicitudesCompra: {"id", "proyecto_id", "estado"},
	models.TableRegistrosTiempo:   {"id", "actividad_id", "personal_id", "fecha"},
	models.TableEvidencias:        {"id", "actividad_id"},
}

// Optimize produces the plan for an operation given the estimated dataset
// size. Filter complexity is the number of filter predicates.
func Optimize(op Descriptor, datasetSize int) Plan {
	plan := Plan{
		BatchSize: DefaultBatchSize,
		CacheTier: TierModerate,
	}
	filterCount := len(op.Filters)

	if datasetSize > LargeDataset {
		plan.ServerPagination = true
		plan.BatchSize = LargeBatchSize
	}
	if datasetSize > VeryLargeDataset {
		plan.ServerFiltering = true
		plan.ServerSorting = true
		plan.CacheTier = TierAggressive
	}
	if filterCount > ComplexFilters {
		plan.ServerFiltering = true
		plan.CacheTier = TierMinimal
	}

	switch {
	case op.Kind == KindReadOne:
		plan.CacheTier = TierAggressive
	case op.Kind.write():
		// Writes must never serve stale reads behind them.
		plan.CacheTier = TierMinimal
	}

	plan.IndexHints = hintsFor(op)
	return plan
}

func hintsFor(op Descriptor) []string {
	seen := make(map[string]struct{})
	var hints []string
	add := func(field string) {
		if _, ok := seen[field]; ok {
			return
		}
		seen[field] = struct{}{}
		hints = append(hints, field)
	}

	if op.Kind == KindReadOne {
		add("id")
	}
	for _, field := range indexHints[op.Table] {
		add(field)
	}
	// Filter keys in deterministic order
	keys := make([]string, 0, len(op.Filters))
	for key := range op.Filters {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		add(key)
	}
	return hints
}
