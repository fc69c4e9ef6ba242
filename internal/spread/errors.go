package spread

import (
	"errors"
	"strings"

	"spreadmatrix/models"
)

var (
	// ErrEmptyInput reports that no observation matched the selection.
	ErrEmptyInput = errors.New("no data for this selection")
	// ErrUnavailableSidePair reports that data exists for the selection but
	// not for a price column the requested direction needs.
	ErrUnavailableSidePair = errors.New("side pair unavailable for this selection")
	// ErrInvalidDirection reports an unknown direction value.
	ErrInvalidDirection = errors.New("invalid direction")
)

// UnavailableSidePairError names the price columns missing from the window.
type UnavailableSidePairError struct {
	Direction models.Direction
	Missing   []models.Key
}

func (e *UnavailableSidePairError) Error() string {
	names := make([]string, 0, len(e.Missing))
	for _, k := range e.Missing {
		names = append(names, k.String())
	}
	return ErrUnavailableSidePair.Error() + ": " + string(e.Direction) + " missing " + strings.Join(names, ", ")
}

func (e *UnavailableSidePairError) Is(target error) bool {
	return target == ErrUnavailableSidePair
}
