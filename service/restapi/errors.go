package restapi

import (
	"fmt"

	"github.com/pkg/errors"
)

// REST tier error types ({"error": true, "type": "..."}).
const (
	TypeRepairModeEnabled   = "repairModeEnabled"
	TypeAccountBanned       = "accountBanned"
	TypeAccountDeleted      = "accountDeleted"
	TypeBadRequest          = "badRequest"
	TypeIPBlocked           = "ipBlocked"
	TypeMFARequired         = "mfaRequired"
	TypeRegistrationBlocked = "registrationBlocked"
	TypeTooManyRequests     = "tooManyRequests"
	TypeUnauthorized        = "Unauthorized"
	TypeInternal            = "Internal"
)

// ErrUnavailable wraps transport failures, timeouts and an open breaker.
var ErrUnavailable = errors.New("rest tier unavailable")

// APIError is a structured error answered by the REST tier.
type APIError struct {
	Status   int
	Type     string
	Endpoint string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api %s: %d %s", e.Endpoint, e.Status, e.Type)
}

// AsAPIError finds an APIError in err's chain.
func AsAPIError(err error) (*APIError, bool) {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// countsAsFailure is what trips the breaker: transport errors and 5xx.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	if ae, ok := AsAPIError(err); ok {
		return ae.Status >= 500
	}
	return true
}
