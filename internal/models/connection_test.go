package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func updateEvent(table, userID string, data map[string]any) *SyncEvent {
	return &SyncEvent{
		Table:     table,
		Operation: OperationUpdate,
		RecordID:  "r1",
		Data:      data,
		UserID:    userID,
	}
}

// TestSubscription_Matches covers the filter matrix: every non-empty field
// must agree, empty fields are wildcards
func TestSubscription_Matches(t *testing.T) {
	event := updateEvent(TableActividades, "u1", map[string]any{
		"proyecto_id": "p1",
		"estado":      "en_progreso",
		"horas":       float64(8),
	})

	tests := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{"empty subscription matches everything", Subscription{}, true},
		{"table match", Subscription{Tables: []string{TableActividades}}, true},
		{"table mismatch", Subscription{Tables: []string{TableMateriales}}, false},
		{"table list with match", Subscription{Tables: []string{TableMateriales, TableActividades}}, true},
		{"operation match", Subscription{Operations: []Operation{OperationUpdate}}, true},
		{"operation mismatch", Subscription{Operations: []Operation{OperationDelete}}, false},
		{"user match", Subscription{UserID: "u1"}, true},
		{"user mismatch", Subscription{UserID: "u2"}, false},
		{"project match", Subscription{ProjectID: "p1"}, true},
		{"project mismatch", Subscription{ProjectID: "p2"}, false},
		{"payload filter match", Subscription{Filters: map[string]string{"estado": "en_progreso"}}, true},
		{"payload filter mismatch", Subscription{Filters: map[string]string{"estado": "completada"}}, false},
		{"numeric payload filter compares as string", Subscription{Filters: map[string]string{"horas": "8"}}, true},
		{"missing payload key never matches", Subscription{Filters: map[string]string{"ausente": "x"}}, false},
		{
			"all fields must agree",
			Subscription{Tables: []string{TableActividades}, Operations: []Operation{OperationUpdate}, UserID: "u2"},
			false,
		},
		{
			"full agreement",
			Subscription{Tables: []string{TableActividades}, Operations: []Operation{OperationUpdate}, UserID: "u1", ProjectID: "p1"},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sub.Matches(event))
		})
	}
}

// TestSubscription_Matches_PreviousData tests that the project filter also
// consults previous data, relevant for deletes carrying only the old row
func TestSubscription_Matches_PreviousData(t *testing.T) {
	event := &SyncEvent{
		Table:        TableActividades,
		Operation:    OperationDelete,
		RecordID:     "r1",
		PreviousData: map[string]any{"proyecto_id": "p1"},
	}

	assert.True(t, Subscription{ProjectID: "p1"}.Matches(event))
	assert.False(t, Subscription{ProjectID: "p2"}.Matches(event))
}

// TestClientConnection_WantsEvent tests the no-subscriptions wildcard and
// the any-subscription-matches rule
func TestClientConnection_WantsEvent(t *testing.T) {
	event := updateEvent(TableMateriales, "u1", map[string]any{"stock_actual": float64(3)})

	unfiltered := &ClientConnection{ID: "c1"}
	assert.True(t, unfiltered.WantsEvent(event), "no subscriptions means receive all")

	filtered := &ClientConnection{
		ID: "c2",
		Subscriptions: []Subscription{
			{Tables: []string{TableProyectos}},
			{Tables: []string{TableMateriales}},
		},
	}
	assert.True(t, filtered.WantsEvent(event), "one matching subscription suffices")

	excluded := &ClientConnection{
		ID:            "c3",
		Subscriptions: []Subscription{{Tables: []string{TablePersonal}}},
	}
	assert.False(t, excluded.WantsEvent(event))
}

// TestNotificationEvent_Targets tests broadcast versus targeted delivery
func TestNotificationEvent_Targets(t *testing.T) {
	broadcast := &NotificationEvent{}
	assert.True(t, broadcast.Targets("anyone"))

	targeted := &NotificationEvent{TargetUsers: []string{"u1", "u2"}}
	assert.True(t, targeted.Targets("u1"))
	assert.True(t, targeted.Targets("u2"))
	assert.False(t, targeted.Targets("u3"))
}

// TestRelatedTables tests the dependency map used for cascading cache
// invalidation
func TestRelatedTables(t *testing.T) {
	assert.ElementsMatch(t,
		[]string{TableActividades, TableAsignaciones, TableBOM, TableSolicitudesCompra},
		RelatedTables(TableProyectos))
	assert.ElementsMatch(t,
		[]string{TableBOM, TableSolicitudesCompra},
		RelatedTables(TableMateriales))
	assert.Empty(t, RelatedTables(TableEvidencias))
	assert.Empty(t, RelatedTables("tabla_desconocida"))
}
