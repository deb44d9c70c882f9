package verifier

import "fmt"

type StatusKind int

const (
	KindUnknown StatusKind = iota
	KindSuccess
	KindUnreadableRequest
	KindMalformedReceipt
	KindUnauthenticated
	KindInvalidSharedSecret
	KindServerUnavailable
	KindSubscriptionExpired
	KindWrongEnvironment
	KindUnauthorized
	KindInternalDataAccess
)

// App Store verifyReceipt status codes.
const (
	StatusOK                    = 0
	StatusUnreadableJSON        = 21000
	StatusMalformedReceipt      = 21002
	StatusUnauthenticated       = 21003
	StatusSharedSecretMismatch  = 21004
	StatusServerUnavailable     = 21005
	StatusSubscriptionExpired   = 21006
	StatusSandboxReceipt        = 21007
	StatusProductionReceipt     = 21008
	StatusUnauthorized          = 21010
	statusInternalDataAccessMin = 21100
	statusInternalDataAccessMax = 21199
)

func Classify(status int) StatusKind {
	switch {
	case status == StatusOK:
		return KindSuccess
	case status == StatusUnreadableJSON:
		return KindUnreadableRequest
	case status == StatusMalformedReceipt:
		return KindMalformedReceipt
	case status == StatusUnauthenticated:
		return KindUnauthenticated
	case status == StatusSharedSecretMismatch:
		return KindInvalidSharedSecret
	case status == StatusServerUnavailable:
		return KindServerUnavailable
	case status == StatusSubscriptionExpired:
		return KindSubscriptionExpired
	case status == StatusSandboxReceipt, status == StatusProductionReceipt:
		return KindWrongEnvironment
	case status == StatusUnauthorized:
		return KindUnauthorized
	case status >= statusInternalDataAccessMin && status <= statusInternalDataAccessMax:
		return KindInternalDataAccess
	}
	return KindUnknown
}

// MatchMessage describes an App Store status code. Unknown codes get a
// generic message.
func MatchMessage(status int) string {
	switch Classify(status) {
	case KindSuccess:
		return "The receipt as a whole is valid."
	case KindUnreadableRequest:
		return "The App Store could not read the JSON object you provided."
	case KindMalformedReceipt:
		return "The data in the receipt-data property was malformed or missing."
	case KindUnauthenticated:
		return "The receipt could not be authenticated."
	case KindInvalidSharedSecret:
		return "The shared secret you provided does not match the shared secret on file for your account."
	case KindServerUnavailable:
		return "The receipt server is not currently available."
	case KindSubscriptionExpired:
		return "This receipt is valid but the subscription has expired. When this status code is returned to your server, the receipt data is also decoded and returned as part of the response. Only returned for iOS 6 style transaction receipts for auto-renewable subscriptions."
	case KindWrongEnvironment:
		if status == StatusSandboxReceipt {
			return "This receipt is from the test environment, but it was sent to the production environment for verification. Send it to the test environment instead."
		}
		return "This receipt is from the production environment, but it was sent to the test environment for verification. Send it to the production environment instead."
	case KindUnauthorized:
		return "This receipt could not be authorized. Treat this the same as if a purchase was never made."
	case KindInternalDataAccess:
		return "Internal data access error."
	}
	return "Unknown error."
}

// StatusError is returned when the authority answered with a non-success status.
type StatusError struct {
	Status  int
	Kind    StatusKind
	Message string
}

func newStatusError(status int) *StatusError {
	return &StatusError{Status: status, Kind: Classify(status), Message: MatchMessage(status)}
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("receipt status %d: %s", e.Status, e.Message)
}

// Retryable reports whether asking again later may succeed.
func (e *StatusError) Retryable() bool {
	return e.Kind == KindServerUnavailable || e.Kind == KindInternalDataAccess
}
