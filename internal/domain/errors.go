package domain

import (
	"errors"
	"fmt"
)

// Domain-level error kinds. Infrastructure errors live in the ports package.
var (
	ErrValidation        = errors.New("validation failed")
	ErrInvalidOrderState = errors.New("operation not allowed in current order state")
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrSignalExpired     = errors.New("signal expired")
	ErrKillSwitchReason  = errors.New("kill switch change requires a reason")
	ErrUnknownKillSwitch = errors.New("unknown kill switch status")
	ErrUnsupportedScope  = errors.New("unsupported risk scope")
)

// OrderStateError is returned when an operation is attempted on an order whose
// current status does not allow it.
type OrderStateError struct {
	Op      string
	OrderID string
	Status  OrderStatus
}

func (e *OrderStateError) Error() string {
	return fmt.Sprintf("cannot %s order %s: status is %s", e.Op, e.OrderID, e.Status)
}

// Is lets callers match with errors.Is(err, ErrInvalidOrderState).
func (e *OrderStateError) Is(target error) bool {
	return target == ErrInvalidOrderState
}

func validationErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
