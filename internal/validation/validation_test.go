package validation

import (
	"errors"
	"testing"
)

func TestValidateLocation_EmptyAndWhitespace(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"spaces", "   "},
		{"tab", "\t"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateLocation(tc.input, 1, 100)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, ErrLocationEmpty) {
				t.Errorf("error = %v, want ErrLocationEmpty", err)
			}
		})
	}
}

func TestValidateLocation_TooShort(t *testing.T) {
	_, err := ValidateLocation("x", 2, 100)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !errors.Is(err, ErrLocationTooShort) {
		t.Errorf("error = %v, want ErrLocationTooShort", err)
	}
}

func TestValidateLocation_TooLong(t *testing.T) {
	long := ""
	for i := 0; i < 101; i++ {
		long += "a"
	}
	_, err := ValidateLocation(long, 1, 100)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !errors.Is(err, ErrLocationTooLong) {
		t.Errorf("error = %v, want ErrLocationTooLong", err)
	}
}

func TestValidateLocation_InvalidChars(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"slash", "sea/ttle"},
		{"backslash", "sea\\ttle"},
		{"question", "sea?ttle"},
		{"hash", "sea#ttle"},
		{"control", "sea\x00ttle"},
		{"percent", "sea%ttle"},
		{"ampersand", "sea&ttle"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateLocation(tc.input, 1, 100)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, ErrLocationInvalidChars) {
				t.Errorf("error = %v, want ErrLocationInvalidChars", err)
			}
		})
	}
}

func TestValidateLocation_Valid(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantNorm string
	}{
		{"simple", "Seattle", "Seattle"},
		{"with space", "New York", "New York"},
		{"comma", "London,uk", "London,uk"},
		{"hyphen", "Some-City", "Some-City"},
		{"trimmed", "  Boston  ", "Boston"},
		{"unicode", "Zürich", "Zürich"},
		{"digits", "Area51", "Area51"},
		{"apostrophe and period", "St. John's", "St. John's"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ValidateLocation(tc.input, 1, 100)
			if err != nil {
				t.Fatalf("ValidateLocation() err = %v", err)
			}
			if got != tc.wantNorm {
				t.Errorf("normalized = %q, want %q", got, tc.wantNorm)
			}
		})
	}
}

func TestValidateLocation_LengthBoundaries(t *testing.T) {
	// Exactly min length
	got, err := ValidateLocation("ab", 2, 100)
	if err != nil {
		t.Fatalf("min boundary: err = %v", err)
	}
	if got != "ab" {
		t.Errorf("min boundary: got %q", got)
	}
	// Exactly max length (100 runes)
	s100 := ""
	for i := 0; i < 100; i++ {
		s100 += "a"
	}
	got, err = ValidateLocation(s100, 1, 100)
	if err != nil {
		t.Fatalf("max boundary: err = %v", err)
	}
	if len([]rune(got)) != 100 {
		t.Errorf("max boundary: rune count = %d, want 100", len([]rune(got)))
	}
	// One over max
	s101 := s100 + "a"
	_, err = ValidateLocation(s101, 1, 100)
	if err == nil || !errors.Is(err, ErrLocationTooLong) {
		t.Errorf("over max: err = %v, want ErrLocationTooLong", err)
	}
}

func TestValidateCountry(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "", false},
		{"fr", "FR", false},
		{" Jp ", "JP", false},
		{"FRA", "", true},
		{"1A", "", true},
	}
	for _, tc := range tests {
		got, err := ValidateCountry(tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("ValidateCountry(%q) = %q, %v; want %q, err %v", tc.in, got, err, tc.want, tc.wantErr)
		}
		if tc.wantErr && !errors.Is(err, ErrCountryInvalid) {
			t.Errorf("ValidateCountry(%q) error = %v, want ErrCountryInvalid", tc.in, err)
		}
	}
}

func TestValidateCoordinates(t *testing.T) {
	tests := []struct {
		lat, lon float64
		ok       bool
	}{
		{0, 0, true},
		{90, 180, true},
		{-90, -180, true},
		{90.1, 0, false},
		{0, -180.5, false},
	}
	for _, tc := range tests {
		err := ValidateCoordinates(tc.lat, tc.lon)
		if (err == nil) != tc.ok {
			t.Errorf("ValidateCoordinates(%v, %v) = %v, want ok %v", tc.lat, tc.lon, err, tc.ok)
		}
	}
}

// TestLocationID verifies that ids are stable, lower-case and hyphen-separated
// regardless of punctuation and spacing in the input.
func TestLocationID(t *testing.T) {
	tests := []struct {
		name, country, want string
	}{
		{"Paris", "FR", "paris-fr"},
		{"  New   York ", "us", "new-york-us"},
		{"St. John's", "CA", "st-john-s-ca"},
		{"Zürich", "", "zürich"},
		{"Tokyo", "JP", "tokyo-jp"},
	}
	for _, tc := range tests {
		if got := LocationID(tc.name, tc.country); got != tc.want {
			t.Errorf("LocationID(%q, %q) = %q, want %q", tc.name, tc.country, got, tc.want)
		}
	}
	if LocationID("Paris", "FR") != LocationID("paris", "fr") {
		t.Error("LocationID() is case sensitive")
	}
}

func TestNewLocation(t *testing.T) {
	loc, err := NewLocation(" Paris ", "fr", 48.85, 2.35, true, 1, 100)
	if err != nil {
		t.Fatalf("NewLocation() error = %v", err)
	}
	if loc.ID != "paris-fr" || loc.Name != "Paris" || loc.Country != "FR" || loc.Lat != 48.85 {
		t.Errorf("NewLocation() = %+v", loc)
	}

	loc, err = NewLocation("Paris", "", 999, 999, false, 1, 100)
	if err != nil || loc.HasCoordinates() {
		t.Errorf("NewLocation() without coords = %+v, %v", loc, err)
	}

	if _, err := NewLocation("Paris", "", 999, 0, true, 1, 100); !errors.Is(err, ErrCoordinatesOutOfRange) {
		t.Errorf("NewLocation() error = %v, want ErrCoordinatesOutOfRange", err)
	}
	if _, err := NewLocation("Par/is", "", 0, 0, false, 1, 100); !errors.Is(err, ErrLocationInvalidChars) {
		t.Errorf("NewLocation() error = %v, want ErrLocationInvalidChars", err)
	}
	if _, err := NewLocation("Paris", "France", 0, 0, false, 1, 100); !errors.Is(err, ErrCountryInvalid) {
		t.Errorf("NewLocation() error = %v, want ErrCountryInvalid", err)
	}
}
