package synchub

import (
	"fmt"

	"github.com/obrasync/obrasync/internal/models"
)

// evaluateRules derives user-facing notifications from a mutation:
// material stock falling to its minimum, activities reaching completion
// and assignment changes for the affected person.
func evaluateRules(event *models.SyncEvent) []*models.NotificationEvent {
	if event.Data == nil {
		return nil
	}

	var out []*models.NotificationEvent
	switch event.Table {
	case models.TableMateriales:
		if n := stockAlert(event); n != nil {
			out = append(out, n)
		}
	case models.TableActividades:
		if n := activityCompleted(event); n != nil {
			out = append(out, n)
		}
	case models.TableAsignaciones:
		if n := assignmentChanged(event); n != nil {
			out = append(out, n)
		}
	}
	return out
}

func stockAlert(event *models.SyncEvent) *models.NotificationEvent {
	if event.Operation == models.OperationDelete {
		return nil
	}
	actual, ok := numericField(event.Data, "stock_actual")
	if !ok {
		return nil
	}
	minimum, ok := numericField(event.Data, "stock_minimo")
	if !ok || actual > minimum {
		return nil
	}

	priority := models.PriorityHigh
	if actual <= 0 {
		priority = models.PriorityCritical
	}
	name, _ := event.Data["nombre"].(string)
	if name == "" {
		name = event.RecordID
	}

	return &models.NotificationEvent{
		Type:        models.NotificationStockAlert,
		Title:       "Stock bajo",
		Message:     fmt.Sprintf("El material %s alcanzó su stock mínimo (%.0f/%.0f)", name, actual, minimum),
		Data:        map[string]any{"record_id": event.RecordID, "stock_actual": actual},
		TargetUsers: targetFromField(event.Data, "responsable_id"),
		Priority:    priority,
	}
}

func activityCompleted(event *models.SyncEvent) *models.NotificationEvent {
	if event.Operation != models.OperationUpdate {
		return nil
	}
	estado, _ := event.Data["estado"].(string)
	if estado != "completada" {
		return nil
	}
	if event.PreviousData != nil {
		if prev, _ := event.PreviousData["estado"].(string); prev == "completada" {
			return nil
		}
	}

	name, _ := event.Data["nombre"].(string)
	if name == "" {
		name = event.RecordID
	}
	return &models.NotificationEvent{
		Type:     models.NotificationActivityCompleted,
		Title:    "Actividad completada",
		Message:  fmt.Sprintf("La actividad %s fue marcada como completada por %s", name, event.UserName),
		Data:     map[string]any{"record_id": event.RecordID},
		Priority: models.PriorityMedium,
	}
}

func assignmentChanged(event *models.SyncEvent) *models.NotificationEvent {
	if event.Operation == models.OperationDelete {
		return nil
	}
	targets := targetFromField(event.Data, "personal_id")
	if len(targets) == 0 {
		return nil
	}

	title := "Asignación actualizada"
	if event.Operation == models.OperationCreate {
		title = "Nueva asignación"
	}
	return &models.NotificationEvent{
		Type:        models.NotificationAssignmentChanged,
		Title:       title,
		Message:     fmt.Sprintf("Tu asignación en el proyecto fue modificada por %s", event.UserName),
		Data:        map[string]any{"record_id": event.RecordID},
		TargetUsers: targets,
		Priority:    models.PriorityMedium,
	}
}

func numericField(data map[string]any, key string) (float64, bool) {
	switch v := data[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func targetFromField(data map[string]any, key string) []string {
	if id, ok := data[key].(string); ok && id != "" {
		return []string{id}
	}
	return nil
}
