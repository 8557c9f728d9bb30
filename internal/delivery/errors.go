package delivery

import (
	"errors"
	"fmt"
	"time"
)

// ErrEmptyDraft rejects drafts with no visible content.
var ErrEmptyDraft = errors.New("message is empty")

// FallbackError reports that neither transport accepted the draft. The
// draft is returned so the composer can restore the text.
type FallbackError struct {
	Draft Draft
	Err   error
}

func (e *FallbackError) Error() string {
	return fmt.Sprintf("send message via fallback: %v", e.Err)
}

func (e *FallbackError) Unwrap() error { return e.Err }

// AckTimeoutError reports a channel send whose echo never arrived.
type AckTimeoutError struct {
	Draft           Draft
	ClientMessageID string
	After           time.Duration
}

func (e *AckTimeoutError) Error() string {
	return fmt.Sprintf("message %s not acknowledged after %s", e.ClientMessageID, e.After)
}
