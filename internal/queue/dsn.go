package queue

import (
	"bytes"
	"net/mail"
	"text/template"
	"time"
)

// Maximum length of the original message to include in the DSN.
// The receiver of the DSN might have a smaller message size than what we
// accepted, so we truncate to a value that should be large enough to be
// useful, but not problematic for modern deployments.
const maxOrigMsgLen = 256 * 1024

// deliveryStatusNotification creates a delivery status notification
// (bounce) for the given envelope, as a multipart/report message with a
// machine-readable message/delivery-status part.
//
// References:
// - https://tools.ietf.org/html/rfc3464 (DSN)
// - https://tools.ietf.org/html/rfc6533 (Internationalized DSN)
func deliveryStatusNotification(domainFrom string, e *Envelope, data []byte) ([]byte, error) {
	info := dsnInfo{
		OurDomain:   domainFrom,
		Destination: e.From,
		MessageID:   "arriero-dsn-" + <-newNonce + "@" + domainFrom,
		Date:        time.Now().Format(time.RFC1123Z),
	}

	for _, rcpt := range e.Recipients {
		switch rcpt.Status {
		case StatusPermFail:
			info.FailedRecipients = append(info.FailedRecipients, rcpt)
			info.FailedTo = append(info.FailedTo, rcpt.OriginalAddress)
		case StatusTempFail, StatusQueued, StatusInFlight:
			info.PendingRecipients = append(info.PendingRecipients, rcpt)
		}
	}

	if len(data) > maxOrigMsgLen {
		info.OriginalMessage = string(data[:maxOrigMsgLen])
	} else {
		info.OriginalMessage = string(data)
	}

	info.OriginalMessageID = getMessageID(data)

	info.Boundary = <-newNonce

	buf := &bytes.Buffer{}
	err := dsnTemplate.Execute(buf, info)
	return buf.Bytes(), err
}

func getMessageID(data []byte) string {
	msg, err := mail.ReadMessage(bytes.NewBuffer(data))
	if err != nil {
		return ""
	}
	return msg.Header.Get("Message-ID")
}

type dsnInfo struct {
	OurDomain         string
	Destination       string
	MessageID         string
	Date              string
	FailedTo          []string
	FailedRecipients  []*Recipient
	PendingRecipients []*Recipient
	OriginalMessage   string

	// Message-ID of the original message.
	OriginalMessageID string

	// MIME boundary to use to form the message.
	Boundary string
}

var dsnTemplate = template.Must(
	template.New("dsn").Parse(
		`From: Mail Delivery System <postmaster-dsn@{{.OurDomain}}>
To: <{{.Destination}}>
Subject: Mail delivery failed: returning message to sender
Message-ID: <{{.MessageID}}>
Date: {{.Date}}
In-Reply-To: {{.OriginalMessageID}}
References: {{.OriginalMessageID}}
X-Failed-Recipients: {{range .FailedTo}}{{.}}, {{end}}
Auto-Submitted: auto-replied
MIME-Version: 1.0
Content-Type: multipart/report; report-type=delivery-status;
    boundary="{{.Boundary}}"


--{{.Boundary}}
Content-Type: text/plain; charset="utf-8"
Content-Disposition: inline
Content-Description: Notification
Content-Transfer-Encoding: 8bit

Delivery of your message to the following recipient(s) failed permanently:

  {{range .FailedTo -}} - {{.}}
  {{- end}}

Technical details:
{{- range .FailedRecipients}}
- "{{.Address}}" failed permanently with error:
    {{.LastError}}
{{- end}}
{{- range .PendingRecipients}}
- "{{.Address}}" failed repeatedly and timed out, last error:
    {{.LastError}}
{{- end}}


--{{.Boundary}}
Content-Type: message/delivery-status
Content-Description: Delivery Report
Content-Transfer-Encoding: 8bit

Reporting-MTA: dns; {{.OurDomain}}

{{range .FailedRecipients -}}
Original-Recipient: utf-8; {{.OriginalAddress}}
Final-Recipient: utf-8; {{.Address}}
Action: failed
Status: 5.0.0
Diagnostic-Code: smtp; {{.LastError}}
{{end}}
{{range .PendingRecipients -}}
Original-Recipient: utf-8; {{.OriginalAddress}}
Final-Recipient: utf-8; {{.Address}}
Action: failed
Status: 4.0.0
Diagnostic-Code: smtp; {{.LastError}}
{{end}}

--{{.Boundary}}
Content-Type: message/rfc822
Content-Description: Undelivered Message
Content-Transfer-Encoding: 8bit

{{.OriginalMessage}}

--{{.Boundary}}--
`))
