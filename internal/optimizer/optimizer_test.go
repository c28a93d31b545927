package optimizer

import (
	"testing"

	"github.com/obrasync/obrasync/internal/models"
	"github.com/stretchr/testify/assert"
)

// TestOptimize_SmallDataset tests that small reads stay fully client-side
func TestOptimize_SmallDataset(t *testing.T) {
	plan := Optimize(Descriptor{Table: models.TableProyectos, Kind: KindRead}, 200)

	assert.False(t, plan.ServerPagination)
	assert.False(t, plan.ServerFiltering)
	assert.False(t, plan.ServerSorting)
	assert.Equal(t, DefaultBatchSize, plan.BatchSize)
	assert.Equal(t, TierModerate, plan.CacheTier)
}

// TestOptimize_LargeDataset tests the pagination cutoff
func TestOptimize_LargeDataset(t *testing.T) {
	// At the boundary nothing changes.
	plan := Optimize(Descriptor{Table: models.TableMateriales, Kind: KindRead}, LargeDataset)
	assert.False(t, plan.ServerPagination)

	// One past it the backend paginates with the bigger batch.
	plan = Optimize(Descriptor{Table: models.TableMateriales, Kind: KindRead}, LargeDataset+1)
	assert.True(t, plan.ServerPagination)
	assert.False(t, plan.ServerFiltering)
	assert.Equal(t, LargeBatchSize, plan.BatchSize)
}

// TestOptimize_VeryLargeDataset tests that huge tables push filtering and
// sorting to the backend and cache aggressively
func TestOptimize_VeryLargeDataset(t *testing.T) {
	plan := Optimize(Descriptor{Table: models.TableRegistrosTiempo, Kind: KindRead}, VeryLargeDataset+1)

	assert.True(t, plan.ServerPagination)
	assert.True(t, plan.ServerFiltering)
	assert.True(t, plan.ServerSorting)
	assert.Equal(t, TierAggressive, plan.CacheTier)
}

// TestOptimize_ComplexFilters tests that many predicates force server-side
// filtering and drop caching to minimal
func TestOptimize_ComplexFilters(t *testing.T) {
	op := Descriptor{
		Table: models.TableActividades,
		Kind:  KindRead,
		Filters: map[string]string{
			"estado":       "en_progreso",
			"proyecto_id":  "p1",
			"responsable":  "u1",
			"fecha_inicio": "2026-01-01",
		},
	}
	plan := Optimize(op, 100)

	assert.True(t, plan.ServerFiltering)
	assert.False(t, plan.ServerPagination, "filter complexity alone does not paginate")
	assert.Equal(t, TierMinimal, plan.CacheTier)
}

// TestOptimize_ReadOne tests that point lookups always cache aggressively
// and lead with the id hint
func TestOptimize_ReadOne(t *testing.T) {
	plan := Optimize(Descriptor{Table: models.TablePersonal, Kind: KindReadOne}, VeryLargeDataset+1)

	assert.Equal(t, TierAggressive, plan.CacheTier)
	assert.NotEmpty(t, plan.IndexHints)
	assert.Equal(t, "id", plan.IndexHints[0])
}

// TestOptimize_Writes tests that mutations never cache beyond minimal
func TestOptimize_Writes(t *testing.T) {
	for _, kind := range []OperationKind{KindCreate, KindUpdate, KindDelete} {
		plan := Optimize(Descriptor{Table: models.TableProyectos, Kind: kind}, VeryLargeDataset+1)
		assert.Equal(t, TierMinimal, plan.CacheTier, "kind %s", kind)
	}
}

// TestOptimize_IndexHints tests table hints plus deduplicated filter keys
func TestOptimize_IndexHints(t *testing.T) {
	op := Descriptor{
		Table: models.TableActividades,
		Kind:  KindRead,
		Filters: map[string]string{
			"estado":     "completada", // already a table hint
			"nombre":     "x",
			"created_by": "u1",
		},
	}
	plan := Optimize(op, 10)

	assert.Equal(t, []string{"id", "proyecto_id", "estado", "created_by", "nombre"}, plan.IndexHints)
}

// TestOptimize_Deterministic tests that identical inputs always produce the
// identical plan, index hint order included
func TestOptimize_Deterministic(t *testing.T) {
	op := Descriptor{
		Table: models.TableBOM,
		Kind:  KindRead,
		Filters: map[string]string{
			"material_id": "m1",
			"proyecto_id": "p1",
			"cantidad":    "5",
			"unidad":      "kg",
		},
	}

	first := Optimize(op, 5000)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, Optimize(op, 5000))
	}
}
