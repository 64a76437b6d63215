package pipeline

// Default values for a scheduled run. They can be overridden via
// configuration (COMPANY_ID, VISIT_DAYS) or CLI flags.
const (
	// DefaultVisitDays is how many calendar days of visits are pulled,
	// counting today.
	DefaultVisitDays = 3

	// StepStores and StepVisits name the two kinds of step in a Report.
	StepStores = "stores"
	StepVisits = "visits"
)
