package config

import "testing"

func TestValidateCronSchedule(t *testing.T) {
	tests := []struct {
		schedule string
		wantErr  bool
	}{
		{"*/15 * * * *", false},
		{"30 5 * * *", false},
		{"0 */6 * * 1-5", false},
		{"@hourly", false},
		{"@every 10m", false},
		{"", true},
		{"15 * *", true},
		{"60 * * * *", true},
		{"not a schedule", true},
		// seconds field is not accepted
		{"0 */15 * * * *", true},
	}

	for _, tt := range tests {
		t.Run(tt.schedule, func(t *testing.T) {
			err := ValidateCronSchedule(tt.schedule)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateCronSchedule(%q) error = %v, wantErr %v", tt.schedule, err, tt.wantErr)
			}
		})
	}
}

func TestValidateTimezone(t *testing.T) {
	for _, tz := range []string{"UTC", "Asia/Tokyo", "America/New_York"} {
		if err := ValidateTimezone(tz); err != nil {
			t.Errorf("ValidateTimezone(%q) unexpected error: %v", tz, err)
		}
	}
	for _, tz := range []string{"", "Mars/Olympus", "+09:00"} {
		if err := ValidateTimezone(tz); err == nil {
			t.Errorf("ValidateTimezone(%q) expected error", tz)
		}
	}
}
