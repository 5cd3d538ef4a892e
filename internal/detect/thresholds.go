package detect

import (
	"fmt"
	"time"
)

// Thresholds is a versioned, immutable snapshot of detector tuning.
// Detector batches read a single snapshot for the whole batch; the
// calibrator publishes replacements via atomic swap, never in-place edits.
type Thresholds struct {
	Version   int64     `json:"version" yaml:"version"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`

	VelocityWindow    time.Duration `json:"velocity_window" yaml:"velocity_window"`
	VelocityRate      float64       `json:"velocity_rate" yaml:"velocity_rate"` // events per second
	VelocityMinEvents int           `json:"velocity_min_events" yaml:"velocity_min_events"`

	BatchWindow    time.Duration `json:"batch_window" yaml:"batch_window"`
	BatchThreshold int           `json:"batch_threshold" yaml:"batch_threshold"`

	OffHoursConfidence float64 `json:"off_hours_confidence" yaml:"off_hours_confidence"`

	DataVolumeWindow    time.Duration `json:"data_volume_window" yaml:"data_volume_window"`
	DataVolumeMaxEvents int           `json:"data_volume_max_events" yaml:"data_volume_max_events"`
	DataVolumeMaxBytes  int64         `json:"data_volume_max_bytes" yaml:"data_volume_max_bytes"`

	Calendar BusinessCalendar `json:"calendar" yaml:"calendar"`
}

// DefaultThresholds returns the default detector tuning.
func DefaultThresholds() *Thresholds {
	return &Thresholds{
		Version:             1,
		CreatedAt:           time.Now().UTC(),
		VelocityWindow:      60 * time.Second,
		VelocityRate:        1.0,
		VelocityMinEvents:   10,
		BatchWindow:         5 * time.Minute,
		BatchThreshold:      20,
		OffHoursConfidence:  60,
		DataVolumeWindow:    5 * time.Minute,
		DataVolumeMaxEvents: 200,
		DataVolumeMaxBytes:  100 * 1024 * 1024,
		Calendar:            DefaultBusinessCalendar(),
	}
}

// Clone returns a deep copy with a bumped version, the starting point for
// a calibration adjustment.
func (t *Thresholds) Clone() *Thresholds {
	c := *t
	c.Version = t.Version + 1
	c.CreatedAt = time.Now().UTC()
	return &c
}

// Validate checks threshold sanity.
func (t *Thresholds) Validate() error {
	if t.VelocityWindow <= 0 {
		return fmt.Errorf("velocity_window must be positive")
	}
	if t.VelocityRate <= 0 {
		return fmt.Errorf("velocity_rate must be positive")
	}
	if t.BatchWindow <= 0 || t.BatchThreshold <= 0 {
		return fmt.Errorf("batch window and threshold must be positive")
	}
	if t.OffHoursConfidence < 0 || t.OffHoursConfidence > 100 {
		return fmt.Errorf("off_hours_confidence must be in [0,100]")
	}
	if t.DataVolumeMaxEvents <= 0 || t.DataVolumeMaxBytes <= 0 {
		return fmt.Errorf("data volume thresholds must be positive")
	}
	return t.Calendar.Validate()
}

// BusinessCalendar describes an organization's working hours.
type BusinessCalendar struct {
	Timezone  string `json:"timezone" yaml:"timezone"`
	StartHour int    `json:"start_hour" yaml:"start_hour"` // inclusive, 0-23
	EndHour   int    `json:"end_hour" yaml:"end_hour"`     // exclusive, 1-24
	// Weekends are always off-hours unless WeekendsOn is set.
	WeekendsOn bool `json:"weekends_on" yaml:"weekends_on"`
}

// DefaultBusinessCalendar returns 08:00-18:00 UTC, weekends off.
func DefaultBusinessCalendar() BusinessCalendar {
	return BusinessCalendar{
		Timezone:  "UTC",
		StartHour: 8,
		EndHour:   18,
	}
}

// Validate checks calendar sanity.
func (c BusinessCalendar) Validate() error {
	if c.StartHour < 0 || c.StartHour > 23 {
		return fmt.Errorf("start_hour out of range: %d", c.StartHour)
	}
	if c.EndHour < 1 || c.EndHour > 24 {
		return fmt.Errorf("end_hour out of range: %d", c.EndHour)
	}
	if c.EndHour <= c.StartHour {
		return fmt.Errorf("end_hour must be after start_hour")
	}
	if _, err := time.LoadLocation(c.Timezone); c.Timezone != "" && err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// InBusinessHours reports whether t falls within working hours.
func (c BusinessCalendar) InBusinessHours(t time.Time) bool {
	loc := time.UTC
	if c.Timezone != "" {
		if l, err := time.LoadLocation(c.Timezone); err == nil {
			loc = l
		}
	}
	local := t.In(loc)

	if !c.WeekendsOn {
		switch local.Weekday() {
		case time.Saturday, time.Sunday:
			return false
		}
	}

	h := local.Hour()
	return h >= c.StartHour && h < c.EndHour
}
