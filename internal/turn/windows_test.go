package turn

import (
	"testing"
	"time"
)

func TestParseWindow(t *testing.T) {
	tests := []struct {
		in      string
		want    Window
		wantErr bool
	}{
		{in: "08:00-11:00", want: Window{Start: 480, End: 660}},
		{in: "00:30-07:00", want: Window{Start: 30, End: 420}},
		{in: "23:00-01:00", want: Window{Start: 1380, End: 60}},
		{in: " 21:00 - 23:00 ", want: Window{Start: 1260, End: 1380}},
		{in: "8:00", wantErr: true},
		{in: "25:00-26:00", wantErr: true},
		{in: "aa:bb-cc:dd", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseWindow(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseWindow(%q) = %+v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseWindow(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseWindow(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestWindowContains(t *testing.T) {
	day := Window{Start: 480, End: 660}       // 08:00-11:00
	night := Window{Start: 30, End: 420}      // 00:30-07:00
	overnight := Window{Start: 1380, End: 60} // 23:00-01:00
	empty := Window{}

	tests := []struct {
		name   string
		w      Window
		minute int
		want   bool
	}{
		{name: "day inside", w: day, minute: 540, want: true},
		{name: "day start inclusive", w: day, minute: 480, want: true},
		{name: "day end exclusive", w: day, minute: 660, want: false},
		{name: "day before", w: day, minute: 479, want: false},
		{name: "night inside", w: night, minute: 120, want: true},
		{name: "night after end", w: night, minute: 421, want: false},
		{name: "overnight late evening", w: overnight, minute: 1400, want: true},
		{name: "overnight early morning", w: overnight, minute: 30, want: true},
		{name: "overnight midday", w: overnight, minute: 720, want: false},
		{name: "empty never matches", w: empty, minute: 0, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.w.Contains(tt.minute); got != tt.want {
				t.Errorf("Contains(%d) = %v, want %v", tt.minute, got, tt.want)
			}
		})
	}
}

func TestWindowEndUTC(t *testing.T) {
	tests := []struct {
		name   string
		w      Window
		now    time.Time
		offset int
		want   time.Time
	}{
		{
			name:   "quiet window after local midnight",
			w:      Window{Start: 30, End: 420}, // 00:30-07:00
			now:    time.Date(2024, 3, 10, 22, 30, 0, 0, time.UTC),
			offset: 180, // local 2024-03-11 01:30
			want:   time.Date(2024, 3, 11, 4, 0, 0, 0, time.UTC),
		},
		{
			name:   "same-day window no offset",
			w:      Window{Start: 1260, End: 1380}, // 21:00-23:00
			now:    time.Date(2024, 3, 10, 22, 0, 0, 0, time.UTC),
			offset: 0,
			want:   time.Date(2024, 3, 10, 23, 0, 0, 0, time.UTC),
		},
		{
			name:   "end already passed rolls to next day",
			w:      Window{Start: 30, End: 420},
			now:    time.Date(2024, 3, 10, 20, 0, 0, 0, time.UTC), // local 23:00
			offset: 180,
			want:   time.Date(2024, 3, 11, 4, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.w.EndUTC(tt.now, tt.offset)
			if !got.Equal(tt.want) {
				t.Errorf("EndUTC = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLocalMinute(t *testing.T) {
	now := time.Date(2024, 3, 10, 23, 30, 0, 0, time.UTC)
	if got := LocalMinute(now, 180); got != 150 { // 02:30 local
		t.Errorf("LocalMinute(+180) = %d, want 150", got)
	}
	if got := LocalMinute(now, 0); got != 1410 {
		t.Errorf("LocalMinute(0) = %d, want 1410", got)
	}
	if got := LocalMinute(now, -60); got != 1350 {
		t.Errorf("LocalMinute(-60) = %d, want 1350", got)
	}
}

func TestIsGoodnight(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{text: "Спокойной ночи!", want: true},
		{text: "СПОКИ", want: true},
		{text: "ну всё, я спать", want: true},
		{text: "Good Night dear", want: true},
		{text: "сладких снов тебе", want: true},
		{text: "доброе утро", want: false},
		{text: "какой ночной тариф?", want: false},
		{text: "", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if got := IsGoodnight(tt.text); got != tt.want {
				t.Errorf("IsGoodnight(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}
