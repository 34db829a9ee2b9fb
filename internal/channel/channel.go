// Package channel sends rendered messages to the external delivery
// provider. Delivery and read receipts arrive asynchronously through the
// event intake and are not part of this interface.
package channel

import (
	"context"
	"errors"
	"fmt"
)

// Channel delivers one rendered message to one contact.
type Channel interface {
	// Send delivers content to the contact and returns the provider's
	// message id. Errors are classified via IsPermanent.
	Send(ctx context.Context, tenantID, contactID, content string) (string, error)
}

// Error is a classified delivery failure. Permanent errors (invalid
// recipient, policy rejection) are never retried; everything else is
// treated as transient.
type Error struct {
	Code      string
	Message   string
	Permanent bool
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("channel: %s: %s", e.Code, e.Message)
	}
	return "channel: " + e.Message
}

// IsPermanent reports whether err is a delivery failure that retrying
// cannot fix. Timeouts and unclassified errors are transient.
func IsPermanent(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Permanent
	}
	return false
}
