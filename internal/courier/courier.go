// Package courier implements the outbound delivery engine: couriers take a
// message and get it to the next hop, be it a remote server over SMTP, or a
// local delivery agent over LMTP.
package courier

// Result of a delivery attempt for a single recipient.
type Result struct {
	// Error is nil if the recipient was delivered.
	Error error

	// Whether the failure is permanent (5xx) or worth retrying (4xx,
	// network problems).
	Permanent bool
}

// Courier delivers a message to a group of recipients. For remote couriers
// all recipients share the destination domain, so one session can be reused
// for the whole group.
type Courier interface {
	// Deliver the message, returning a result for each recipient.
	Deliver(from string, to []string, data []byte) map[string]Result
}
