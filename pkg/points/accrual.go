package points

import "time"

// AccruedCost computes the points a guest owes for a session. The base rate
// covers the planned duration; time past the planned end is billed per
// started minute at the overtime rate.
//
// The planned end is anchored on scheduledAt when the reservation was
// scheduled, otherwise on the actual start. Pass time.Now() as end for a
// still-running session and the recorded end for a finished one.
func AccruedCost(scheduledAt *time.Time, startedAt time.Time, end time.Time, durationHours int) Points {
	basePoints := int64(durationHours) * basePointsPerHour
	anchor := startedAt
	if scheduledAt != nil {
		anchor = *scheduledAt
	}
	plannedEnd := anchor.Add(time.Duration(durationHours) * time.Hour)
	if !end.After(plannedEnd) {
		return Points(basePoints)
	}
	// Ceiling on the raw duration: any overrun, however small, starts a minute.
	exceeded := end.Sub(plannedEnd)
	exceededMinutes := int64((exceeded + time.Minute - 1) / time.Minute)
	return Points(basePoints + exceededMinutes*overtimePointsPerMin)
}
