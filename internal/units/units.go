// Package units provides shared constants and validation for distance units
package units

import (
	"fmt"
	"strings"
)

// Distance is a linear length unit a range reading can be reported in.
type Distance int

// Distance constants. The numeric values match the sensor's enumerated
// DistanceUnit so they can be stored as integers.
const (
	Inches      Distance = 0
	Millimeters Distance = 1
)

// Unit name constants used in configuration files and flags
const (
	IN = "in"
	MM = "mm"
)

// MillimetersPerInch is the exact inch to millimeter factor
const MillimetersPerInch = 25.4

// ValidUnits contains all valid unit names
var ValidUnits = []string{IN, MM}

// IsValid checks if the given unit is one of the enumerated distance units
func (d Distance) IsValid() bool {
	return d == Inches || d == Millimeters
}

func (d Distance) String() string {
	switch d {
	case Inches:
		return IN
	case Millimeters:
		return MM
	default:
		return fmt.Sprintf("Distance(%d)", int(d))
	}
}

// IsValid checks if the given unit name is in the list of valid units
func IsValid(unit string) bool {
	_, err := Parse(unit)
	return err == nil
}

// Parse converts a unit name into a Distance. Long forms such as "inches"
// and "millimeters" are accepted as well as the short names.
func Parse(unit string) (Distance, error) {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case IN, "inch", "inches":
		return Inches, nil
	case MM, "millimeter", "millimeters", "millimetre", "millimetres":
		return Millimeters, nil
	default:
		return Inches, fmt.Errorf("invalid distance unit %q: must be one of %s", unit, GetValidUnitsString())
	}
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return strings.Join(ValidUnits, ", ")
}

// FromInches converts a distance in inches to the target unit.
// Unknown units return the value unchanged (inches).
func FromInches(inches float64, target Distance) float64 {
	switch target {
	case Millimeters:
		return inches * MillimetersPerInch
	default:
		return inches
	}
}
