package motion

import (
	"fmt"
	"strings"

	"github.com/cjeanneret/turntable/internal/hw/gpio"
)

// Unit identifies one turntable wired to the I/O module.
type Unit int

const (
	UnitA Unit = iota
	UnitB
)

// Units lists every unit the controller knows about.
var Units = []Unit{UnitA, UnitB}

// ErrUnknownUnit is returned for unit tags that are not configured.
// It wraps gpio.ErrInvalidChannel: an unconfigured unit has no valid mapping.
var ErrUnknownUnit = fmt.Errorf("motion: unit not configured: %w", gpio.ErrInvalidChannel)

func (u Unit) String() string {
	switch u {
	case UnitA:
		return "A"
	case UnitB:
		return "B"
	default:
		return fmt.Sprintf("Unit(%d)", int(u))
	}
}

// ParseUnit accepts "A" or "B" (case-insensitive).
func ParseUnit(tag string) (Unit, error) {
	switch strings.ToUpper(strings.TrimSpace(tag)) {
	case "A":
		return UnitA, nil
	case "B":
		return UnitB, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownUnit, tag)
	}
}
