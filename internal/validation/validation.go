// Package validation checks user-entered locations and derives their stable ids.
package validation

import (
	"errors"
	"strings"
	"unicode"

	"github.com/kjstillabower/weather-offline-service/internal/models"
)

var (
	// ErrLocationEmpty is returned when location is empty or whitespace-only after trim.
	ErrLocationEmpty = errors.New("location is required")
	// ErrLocationTooShort is returned when location length is below the minimum.
	ErrLocationTooShort = errors.New("location too short")
	// ErrLocationTooLong is returned when location length exceeds the maximum.
	ErrLocationTooLong = errors.New("location too long")
	// ErrLocationInvalidChars is returned when location contains disallowed characters.
	ErrLocationInvalidChars = errors.New("location contains invalid characters")
	// ErrCountryInvalid is returned for a country that is not a two-letter code.
	ErrCountryInvalid = errors.New("country must be a two-letter code")
	// ErrCoordinatesOutOfRange is returned when lat/lon fall outside [-90,90] / [-180,180].
	ErrCoordinatesOutOfRange = errors.New("coordinates out of range")
)

// ValidateLocation trims a city name, enforces length bounds (minLen, maxLen in runes)
// and restricts it to letters, digits, space, comma, hyphen, apostrophe and period.
// Returns the trimmed string or an error suitable for 400 INVALID_LOCATION responses.
func ValidateLocation(input string, minLen, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	n := len(r)
	if n == 0 {
		return "", ErrLocationEmpty
	}
	if minLen > 0 && n < minLen {
		return "", ErrLocationTooShort
	}
	if maxLen > 0 && n > maxLen {
		return "", ErrLocationTooLong
	}
	for _, c := range r {
		if !isAllowedLocationRune(c) {
			return "", ErrLocationInvalidChars
		}
	}
	return s, nil
}

func isAllowedLocationRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '\'', '.':
		return true
	}
	return false
}

// ValidateCountry accepts "" or a two-letter code and returns it upper-cased.
func ValidateCountry(input string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(input))
	if s == "" {
		return "", nil
	}
	if len(s) != 2 || s[0] < 'A' || s[0] > 'Z' || s[1] < 'A' || s[1] > 'Z' {
		return "", ErrCountryInvalid
	}
	return s, nil
}

// ValidateCoordinates checks latitude and longitude bounds.
func ValidateCoordinates(lat, lon float64) error {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return ErrCoordinatesOutOfRange
	}
	return nil
}

// LocationID derives the stable id of a place: the lower-cased name with runs of
// separators collapsed to one hyphen, suffixed with the lower-cased country
// ("New York", "US" -> "new-york-us").
func LocationID(name, country string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	if c := strings.ToLower(strings.TrimSpace(country)); c != "" {
		if b.Len() > 0 {
			b.WriteByte('-')
		}
		b.WriteString(c)
	}
	return b.String()
}

// NewLocation validates name, country and (when hasCoords) coordinates and
// returns a Location with its derived id.
func NewLocation(name, country string, lat, lon float64, hasCoords bool, minLen, maxLen int) (models.Location, error) {
	n, err := ValidateLocation(name, minLen, maxLen)
	if err != nil {
		return models.Location{}, err
	}
	c, err := ValidateCountry(country)
	if err != nil {
		return models.Location{}, err
	}
	loc := models.Location{ID: LocationID(n, c), Name: n, Country: c}
	if hasCoords {
		if err := ValidateCoordinates(lat, lon); err != nil {
			return models.Location{}, err
		}
		loc.Lat, loc.Lon = lat, lon
	}
	return loc, nil
}
