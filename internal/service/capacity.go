package service

import "gymbook/internal/models"

// Admit decides the status of a new booking. occupancy counts CONFIRMED and WAITLISTED rows.
func Admit(occupancy, maxCapacity int) models.BookingStatus {
	if occupancy < models.EffectiveCapacity(maxCapacity) {
		return models.StatusConfirmed
	}
	return models.StatusWaitlisted
}
