package queue

import (
	"fmt"
	"time"

	"github.com/arrieromail/arriero/internal/blob"
)

// Status of a recipient within an envelope.
type Status uint8

// Valid recipient statuses. Delivered and PermFail are terminal: a
// recipient never leaves them.
const (
	StatusQueued Status = iota
	StatusInFlight
	StatusDelivered
	StatusTempFail
	StatusPermFail
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusInFlight:
		return "in-flight"
	case StatusDelivered:
		return "delivered"
	case StatusTempFail:
		return "temp-fail"
	case StatusPermFail:
		return "perm-fail"
	}
	return "unknown"
}

// Terminal returns whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusPermFail
}

// RcptType distinguishes normal email recipients from pipe deliveries
// (aliases resolving to commands).
type RcptType uint8

// Valid recipient types.
const (
	RcptEmail RcptType = iota
	RcptPipe
)

// Priority class of an envelope.
type Priority uint8

// Valid priorities.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// Recipient is one destination of an envelope.
type Recipient struct {
	// Final address (after alias resolution).
	Address string

	// Address as given in the original RCPT TO.
	OriginalAddress string

	Type   RcptType
	Status Status

	// Number of delivery attempts made so far.
	Retries int

	// Last delivery error, for bounces and troubleshooting.
	LastError string

	// When the next attempt is due. Zero means "as soon as possible".
	NextAttempt time.Time

	// Domain partition key, used for grouping and routing.
	DomainKey string
}

// Envelope is the scheduling unit held by the queue.
type Envelope struct {
	// Monotonic id, unique within this queue instance.
	ID uint64

	// Random nonce, file-name safe, to make ids unpredictable.
	Nonce string

	// Return path (MAIL FROM). "<>" for bounces.
	From string

	Recipients []*Recipient

	Priority Priority

	// Message size in bytes.
	Size int64

	// Content blob reference.
	BlobRef blob.Ref

	// Rendered Authentication-Results at reception time.
	AuthResults string

	// Received trace information (who handed us the message).
	Received string

	CreatedAt   time.Time
	LastAttempt time.Time

	// When the envelope needs attention next: the minimum of the
	// recipients' next attempts, over non-terminal recipients.
	NextEvent time.Time
}

// DisplayID returns the externally-visible id of the envelope, as reported
// to clients on queueing.
func (e *Envelope) DisplayID() string {
	return fmt.Sprintf("%d.%s", e.ID, e.Nonce)
}

// UpdateNextEvent recomputes the envelope's next-event timestamp from its
// recipients. Returns false when all recipients are terminal (there is no
// next event).
func (e *Envelope) UpdateNextEvent() bool {
	found := false
	var minT time.Time
	for _, r := range e.Recipients {
		if r.Status.Terminal() {
			continue
		}
		if !found || r.NextAttempt.Before(minT) {
			minT = r.NextAttempt
			found = true
		}
	}
	e.NextEvent = minT
	return found
}

// Pending returns the non-terminal recipients.
func (e *Envelope) Pending() []*Recipient {
	pending := []*Recipient{}
	for _, r := range e.Recipients {
		if !r.Status.Terminal() {
			pending = append(pending, r)
		}
	}
	return pending
}

// countRcpt counts how many recipients are in the given statuses.
func (e *Envelope) countRcpt(statuses ...Status) int {
	c := 0
	for _, rcpt := range e.Recipients {
		for _, status := range statuses {
			if rcpt.Status == status {
				c++
				break
			}
		}
	}
	return c
}
