package governance

// OverrideRequest replaces a user's counters. Fields are pointers so an
// omitted field is a validation error rather than a silent zero.
type OverrideRequest struct {
	GenerationsToday *int   `json:"generationsToday" validate:"required,min=0"`
	TotalGenerations *int   `json:"totalGenerations" validate:"required,min=0"`
	Reason           string `json:"reason" validate:"max=500"`
}
