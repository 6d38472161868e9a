package domain

import "time"

// ControlDateFilter is the "time machine" predicate: a version row is
// visible only if it was recorded on or before the control date. It composes
// after branch resolution; it never reaches back into older versions unless
// the caller asks for as-of semantics explicitly.
type ControlDateFilter struct {
	ControlDate *time.Time
}

// Enabled reports whether a control date is set at all.
func (f ControlDateFilter) Enabled() bool {
	return f.ControlDate != nil
}

// Visible applies the predicate to one resolved version row.
func (f ControlDateFilter) Visible(v VersionedEntity) bool {
	if f.ControlDate == nil {
		return true
	}
	return !v.RecordedAt.After(*f.ControlDate)
}
