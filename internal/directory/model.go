package directory

import "time"

// DayHours is one weekday entry in a doctor's working-hours table.
type DayHours struct {
	StartHour int  `json:"start_hour"`
	EndHour   int  `json:"end_hour"`
	Available bool `json:"available"`
}

// WorkingHoursTable maps a weekday to the doctor's hours for that day.
// A missing weekday means the doctor never works that day.
type WorkingHoursTable map[time.Weekday]DayHours

// HoursFor returns the entry for the given date's weekday.
func (t WorkingHoursTable) HoursFor(date time.Time) (DayHours, bool) {
	if t == nil {
		return DayHours{}, false
	}
	h, ok := t[date.Weekday()]
	return h, ok
}

// DefaultWeekdayHours is the practice-wide default schedule: Monday through
// Friday, 9:00 to 17:00.
func DefaultWeekdayHours() WorkingHoursTable {
	table := WorkingHoursTable{}
	for _, day := range []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday} {
		table[day] = DayHours{StartHour: 9, EndHour: 17, Available: true}
	}
	return table
}

// Doctor is the slice of the practice directory the scheduler reads. Record
// ownership stays with the directory service.
type Doctor struct {
	ID           string            `json:"id"`
	DisplayName  string            `json:"display_name"`
	Specialty    string            `json:"specialty,omitempty"`
	WorkingHours WorkingHoursTable `json:"working_hours"`
	Active       bool              `json:"active"`
}

// Patient is the slice of the patient directory the scheduler reads.
type Patient struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Phone       string `json:"phone,omitempty"`
	Email       string `json:"email,omitempty"`
	Active      bool   `json:"active"`
}
