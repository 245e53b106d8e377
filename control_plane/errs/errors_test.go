package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", Validation("type", "is required"), http.StatusBadRequest},
		{"not found", NotFound("workflow", "wf-1"), http.StatusNotFound},
		{"timeout", &TimeoutError{Op: "command", ID: "c1", Timeout: 30 * time.Second}, http.StatusGatewayTimeout},
		{"delivery", &DeliveryError{Target: "broker", Err: errors.New("conn refused")}, http.StatusBadGateway},
		{"wrapped not found", fmt.Errorf("lookup: %w", NotFound("agent", "a1")), http.StatusNotFound},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := HTTPStatus(tc.err); got != tc.want {
				t.Errorf("HTTPStatus(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}

func TestStepErrorUnwrap(t *testing.T) {
	cause := NotFound("product", "P9")
	err := &StepError{Index: 2, Type: "product-action", Err: cause}

	if !IsNotFound(err) {
		t.Fatalf("expected StepError to unwrap to NotFoundError")
	}
	if err.Error() != "step 2 (product-action): product not found: P9" {
		t.Errorf("unexpected message: %s", err.Error())
	}
}
