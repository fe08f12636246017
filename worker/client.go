package worker

import (
	"context"
	"fmt"
)

// SubmitRequest carries everything the compliance API client needs to
// execute one queued operation
type SubmitRequest struct {
	LicenseNumber      string
	StateCode          string
	Sandbox            bool
	VendorKeyEncrypted string
	UserKeyEncrypted   string
	EntityType         string
	OperationType      string
	EntityID           string
	ExternalID         string
	IdempotencyKey     string
	Payload            []byte
}

// SubmitResult the authority's identifiers for the synced record plus the
// raw response retained for auditing
type SubmitResult struct {
	ExternalID    string
	ExternalLabel string
	ResponseBody  string
}

// APIError is returned by a Client when the authority rejected the
// request. Semantic rejections (validation failures, unknown records) are
// not retryable, the payload will not get better on its own.
type APIError struct {
	Message      string
	Code         string
	ResponseBody string
	Semantic     bool
}

// Error implements the error interface
func (ae *APIError) Error() string {
	if ae.Code != "" {
		return fmt.Sprintf("%s (%s)", ae.Message, ae.Code)
	}
	return ae.Message
}

// AsAPIError returns the APIError if err is one, else nil
func AsAPIError(err error) *APIError {
	for err != nil {
		if ae, ok := err.(*APIError); ok {
			return ae
		}
		type unwrapper interface {
			Unwrap() error
		}
		u, ok := err.(unwrapper)
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return nil
}

// Client submits a single queued operation to the state compliance
// authority. Implementations must honor ctx cancellation and should treat
// the idempotency key as the dedupe token for retried submissions.
type Client interface {
	Submit(ctx context.Context, req *SubmitRequest) (*SubmitResult, error)
}
