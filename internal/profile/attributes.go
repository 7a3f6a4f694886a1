package profile

// Attributes carries profile-level metadata merged from every source via
// attributes_add (§4.1): job id, environment, and the time base used to
// interpret timepoint timestamps.
type Attributes struct {
	JobID       string
	Environment map[string]string
	TimeBase    uint64 // ticks-per-second, or 1e9 for plain nanoseconds
}

// Merge folds other into a, with other's non-zero fields taking
// precedence. Environment keys are unioned, other winning on conflict.
func (a *Attributes) Merge(other Attributes) {
	if other.JobID != "" {
		a.JobID = other.JobID
	}
	if other.TimeBase != 0 {
		a.TimeBase = other.TimeBase
	}
	if other.Environment == nil {
		return
	}
	if a.Environment == nil {
		a.Environment = make(map[string]string, len(other.Environment))
	}
	for k, v := range other.Environment {
		a.Environment[k] = v
	}
}
