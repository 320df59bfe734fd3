package auditlog

// Event is one row of the install/session history: an operation the
// service core observed, the outcome status string it produced, and an
// optional human-readable detail (e.g. a partition name or byte count).
type Event struct {
	ID            string
	InstallDir    string
	PartitionName string
	Operation     string
	Status        string
	Detail        string
	OccurredAt    string
}
