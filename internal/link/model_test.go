package link

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sundayezeilo/shorty/internal/errx"
)

func TestIsExpired(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Second)
	same := now

	tests := []struct {
		name      string
		expiresAt *time.Time
		want      bool
	}{
		{"absent never expires", nil, false},
		{"strictly before now", &past, true},
		{"equal to now is not expired", &same, false},
		{"after now", &future, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsExpired(tt.expiresAt, now); got != tt.want {
				t.Errorf("IsExpired() = %v, want %v", got, tt.want)
			}
			rec := Record{ID: "1", ExpiresAt: tt.expiresAt}
			if got := rec.IsExpired(now); got != tt.want {
				t.Errorf("Record.IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestID_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    ID
		wantErr bool
	}{
		{"number", `1`, "1", false},
		{"large number", `9007199254740993`, "9007199254740993", false},
		{"string", `"abc-123"`, "abc-123", false},
		{"null", `null`, "", false},
		{"bool", `true`, "", true},
		{"object", `{}`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got ID
			err := json.Unmarshal([]byte(tt.input), &got)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Unmarshal() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ID = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestID_IsPlaceholder(t *testing.T) {
	if !ID(PlaceholderPrefix + "abc").IsPlaceholder() {
		t.Error("prefixed id should be a placeholder")
	}
	if ID("42").IsPlaceholder() {
		t.Error("server id should not be a placeholder")
	}
}

func TestFormatDate(t *testing.T) {
	if got := FormatDate(time.Time{}); got != "" {
		t.Errorf("FormatDate(zero) = %q, want empty", got)
	}
	d := time.Date(2025, 11, 3, 23, 59, 0, 0, time.UTC)
	if got, want := FormatDate(d), "Nov 3, 2025"; got != want {
		t.Errorf("FormatDate() = %q, want %q", got, want)
	}
}

func TestExpiryPolicy_Resolve(t *testing.T) {
	p := DefaultExpiryPolicy()

	t.Run("seven days lands on the same calendar day as now plus a week", func(t *testing.T) {
		now := time.Now()
		got, err := p.Resolve(now, 7)
		if err != nil {
			t.Fatalf("Resolve() unexpected error: %v", err)
		}
		want := now.Add(7 * 24 * time.Hour)
		gy, gm, gd := got.Date()
		wy, wm, wd := want.Date()
		// AddDate keeps the wall clock across DST changes, so compare calendar days.
		if gy != wy || gm != wm || gd != wd {
			t.Errorf("Resolve() = %v, want same day as %v", got, want)
		}
	})

	t.Run("crosses month boundaries by calendar", func(t *testing.T) {
		now := time.Date(2026, 1, 31, 8, 0, 0, 0, time.UTC)
		got, err := p.Resolve(now, 1)
		if err != nil {
			t.Fatalf("Resolve() unexpected error: %v", err)
		}
		if want := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC); !got.Equal(want) {
			t.Errorf("Resolve() = %v, want %v", got, want)
		}
	})

	t.Run("rejects durations outside the enumeration", func(t *testing.T) {
		for _, days := range []int{0, -7, 2, 400} {
			_, err := p.Resolve(time.Now(), days)
			if errx.KindOf(err) != errx.Invalid {
				t.Errorf("Resolve(%d) kind = %v, want %v", days, errx.KindOf(err), errx.Invalid)
			}
		}
	})
}

func TestNewExpiryPolicy(t *testing.T) {
	tests := []struct {
		name    string
		days    []int
		wantErr bool
	}{
		{"valid and unsorted", []int{30, 7, 1}, false},
		{"empty", nil, true},
		{"zero", []int{0, 7}, true},
		{"negative", []int{-1}, true},
		{"duplicate", []int{7, 7}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewExpiryPolicy(tt.days...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewExpiryPolicy() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr {
				opts := p.Options()
				for i := 1; i < len(opts); i++ {
					if opts[i-1] >= opts[i] {
						t.Errorf("Options() not ascending: %v", opts)
					}
				}
			}
		})
	}

	if !DefaultExpiryPolicy().Allows(DefaultExpiryDays) {
		t.Error("default policy must allow the default expiry")
	}
}
