package models

// Table names as exposed by the remote data API.
const (
	TableProyectos         = "Proyectos"
	TableActividades       = "Actividades"
	TableMateriales        = "Materiales"
	TablePersonal          = "Personal"
	TableAsignaciones      = "Asignaciones"
	TableBOM               = "BOM"
	TableSolicitudesCompra = "SolicitudesCompra"
	TableRegistrosTiempo   = "RegistrosTiempo"
	TableEvidencias        = "Evidencias"
)

// relatedTables maps each table to the tables whose cached queries become
// stale when it changes. Invalidating a table always fans out to these.
var relatedTables = map[string][]string{
	TableProyectos:   {TableActividades, TableAsignaciones, TableBOM, TableSolicitudesCompra},
	TableActividades: {TableAsignaciones, TableRegistrosTiempo, TableEvidencias},
	TableMateriales:  {TableBOM, TableSolicitudesCompra},
	TablePersonal:    {TableAsignaciones, TableRegistrosTiempo},
	TableBOM:         {TableSolicitudesCompra},
}

// RelatedTables returns the tables dependent on the given one. The result
// must not be mutated.
func RelatedTables(table string) []string {
	return relatedTables[table]
}
