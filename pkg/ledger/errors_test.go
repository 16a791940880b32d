package ledger

import (
	"errors"
	"testing"
)

func TestWrapErrorFormatsSegments(t *testing.T) {
	t.Parallel()
	wrapped := WrapError("store", "reservation", "update_status", ErrReservationClosed)
	if wrapped.Error() != "store.reservation.update_status: reservation closed" {
		t.Fatalf("unexpected message: %s", wrapped.Error())
	}
	if !errors.Is(wrapped, ErrReservationClosed) {
		t.Fatal("wrapped error must unwrap to the sentinel")
	}
	var operationError OperationError
	if !errors.As(wrapped, &operationError) {
		t.Fatal("expected OperationError")
	}
	if operationError.Operation() != "store" || operationError.Subject() != "reservation" || operationError.Code() != "update_status" {
		t.Fatalf("unexpected segments: %+v", operationError)
	}
}

func TestWrapErrorNilPassthrough(t *testing.T) {
	t.Parallel()
	if WrapError("store", "account", "get", nil) != nil {
		t.Fatal("wrapping nil must return nil")
	}
}
