package report

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"time"
)

// TLS-RPT report structures, per RFC 8460 section 4.
type tlsrptReport struct {
	OrganizationName string         `json:"organization-name"`
	DateRange        tlsrptRange    `json:"date-range"`
	ContactInfo      string         `json:"contact-info"`
	ReportID         string         `json:"report-id"`
	Policies         []tlsrptPolicy `json:"policies"`
}

type tlsrptRange struct {
	StartDatetime string `json:"start-datetime"`
	EndDatetime   string `json:"end-datetime"`
}

type tlsrptPolicy struct {
	Policy  tlsrptPolicyDesc `json:"policy"`
	Summary tlsrptSummary    `json:"summary"`
	Details []tlsrptFailure  `json:"failure-details,omitempty"`
}

type tlsrptPolicyDesc struct {
	PolicyType   string `json:"policy-type"`
	PolicyDomain string `json:"policy-domain"`
}

type tlsrptSummary struct {
	TotalSuccessful int64 `json:"total-successful-session-count"`
	TotalFailure    int64 `json:"total-failure-session-count"`
}

type tlsrptFailure struct {
	ResultType   string `json:"result-type"`
	SessionCount int    `json:"failed-session-count"`
}

// composeTLSRPTReport builds the report email for one policy domain.
// The JSON report goes as an application/tlsrpt+gzip attachment, per
// https://tools.ietf.org/html/rfc8460#section-5.3
func composeTLSRPTReport(hostname, domain string, stats []*tlsStats,
	start, end time.Time) ([]byte, error) {
	report := tlsrptReport{
		OrganizationName: hostname,
		DateRange: tlsrptRange{
			StartDatetime: start.Format(time.RFC3339),
			EndDatetime:   end.Format(time.RFC3339),
		},
		ContactInfo: "postmaster@" + hostname,
		ReportID:    reportID(domain, end),
	}

	for _, s := range stats {
		policyType := "sts"
		if s.Policy == "dane" {
			policyType = "tlsa"
		}
		p := tlsrptPolicy{
			Policy: tlsrptPolicyDesc{
				PolicyType:   policyType,
				PolicyDomain: s.Domain,
			},
			Summary: tlsrptSummary{
				TotalSuccessful: s.Success,
				TotalFailure:    s.Failure,
			},
		}
		for ftype, count := range s.Failures {
			p.Details = append(p.Details, tlsrptFailure{
				ResultType:   ftype,
				SessionCount: count,
			})
		}
		report.Policies = append(report.Policies, p)
	}

	raw, err := json.Marshal(report)
	if err != nil {
		return nil, err
	}

	fname := fmt.Sprintf("%s!%s!%d!%d.json.gz",
		hostname, domain, start.Unix(), end.Unix())
	subject := fmt.Sprintf("Report Domain: %s Submitter: %s Report-ID: <%s>",
		domain, hostname, report.ReportID)

	return composeReportMail(hostname, subject, fname,
		"application/tlsrpt+gzip", raw)
}

// DMARC aggregate report structures, per RFC 7489 section 7.2 / appendix C.
type dmarcFeedback struct {
	XMLName  xml.Name        `xml:"feedback"`
	Metadata dmarcMetadata   `xml:"report_metadata"`
	Policy   dmarcPolicyPub  `xml:"policy_published"`
	Records  []dmarcRecord   `xml:"record"`
}

type dmarcMetadata struct {
	OrgName   string         `xml:"org_name"`
	Email     string         `xml:"email"`
	ReportID  string         `xml:"report_id"`
	DateRange dmarcDateRange `xml:"date_range"`
}

type dmarcDateRange struct {
	Begin int64 `xml:"begin"`
	End   int64 `xml:"end"`
}

type dmarcPolicyPub struct {
	Domain string `xml:"domain"`
}

type dmarcRecord struct {
	Row        dmarcRow        `xml:"row"`
	Identifiers dmarcIdentifiers `xml:"identifiers"`
}

type dmarcRow struct {
	SourceIP string      `xml:"source_ip"`
	Count    int64       `xml:"count"`
	Policy   dmarcPolEval `xml:"policy_evaluated"`
}

type dmarcPolEval struct {
	Disposition string `xml:"disposition"`
	DKIM        string `xml:"dkim"`
	SPF         string `xml:"spf"`
}

type dmarcIdentifiers struct {
	HeaderFrom string `xml:"header_from"`
}

// composeDMARCReport builds the aggregate report email for one domain.
// The XML goes gzipped as application/gzip, per
// https://tools.ietf.org/html/rfc7489#section-7.2.1.1
func composeDMARCReport(hostname, domain string, stats []*dmarcStats,
	start, end time.Time) ([]byte, error) {
	feedback := dmarcFeedback{
		Metadata: dmarcMetadata{
			OrgName:  hostname,
			Email:    "postmaster@" + hostname,
			ReportID: reportID(domain, end),
			DateRange: dmarcDateRange{
				Begin: start.Unix(),
				End:   end.Unix(),
			},
		},
		Policy: dmarcPolicyPub{Domain: domain},
	}

	for _, s := range stats {
		feedback.Records = append(feedback.Records, dmarcRecord{
			Row: dmarcRow{
				SourceIP: s.SourceIP,
				Count:    s.Count,
				Policy: dmarcPolEval{
					Disposition: s.Disposition,
					DKIM:        s.DKIM,
					SPF:         s.SPF,
				},
			},
			Identifiers: dmarcIdentifiers{HeaderFrom: s.Domain},
		})
	}

	raw, err := xml.MarshalIndent(feedback, "", "  ")
	if err != nil {
		return nil, err
	}
	raw = append([]byte(xml.Header), raw...)

	fname := fmt.Sprintf("%s!%s!%d!%d.xml.gz",
		hostname, domain, start.Unix(), end.Unix())
	subject := fmt.Sprintf("Report Domain: %s Submitter: %s Report-ID: <%s>",
		domain, hostname, reportID(domain, end))

	return composeReportMail(hostname, subject, fname,
		"application/gzip", raw)
}

// composeReportMail builds the email carrying a gzipped report attachment.
func composeReportMail(hostname, subject, fname, contentType string, raw []byte) ([]byte, error) {
	gzBuf := &bytes.Buffer{}
	gz := gzip.NewWriter(gzBuf)
	if _, err := gz.Write(raw); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}

	now := time.Now()
	boundary := fmt.Sprintf("rep-%d", now.UnixNano())

	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "From: Report Submitter <postmaster@%s>\n", hostname)
	fmt.Fprintf(buf, "Subject: %s\n", subject)
	fmt.Fprintf(buf, "Date: %s\n", now.Format(time.RFC1123Z))
	fmt.Fprintf(buf, "Message-ID: <%s@%s>\n", boundary, hostname)
	fmt.Fprintf(buf, "Auto-Submitted: auto-generated\n")
	fmt.Fprintf(buf, "MIME-Version: 1.0\n")
	fmt.Fprintf(buf, "Content-Type: multipart/mixed;\n")
	fmt.Fprintf(buf, "    boundary=\"%s\"\n", boundary)
	fmt.Fprintf(buf, "\n")

	fmt.Fprintf(buf, "--%s\n", boundary)
	fmt.Fprintf(buf, "Content-Type: text/plain; charset=\"utf-8\"\n")
	fmt.Fprintf(buf, "\n")
	fmt.Fprintf(buf, "This is an automatically generated report.\n")
	fmt.Fprintf(buf, "\n")

	fmt.Fprintf(buf, "--%s\n", boundary)
	fmt.Fprintf(buf, "Content-Type: %s\n", contentType)
	fmt.Fprintf(buf, "Content-Disposition: attachment; filename=\"%s\"\n", fname)
	fmt.Fprintf(buf, "Content-Transfer-Encoding: base64\n")
	fmt.Fprintf(buf, "\n")

	b64 := base64.StdEncoding.EncodeToString(gzBuf.Bytes())
	for len(b64) > 0 {
		n := 76
		if len(b64) < n {
			n = len(b64)
		}
		buf.WriteString(b64[:n])
		buf.WriteString("\n")
		b64 = b64[n:]
	}

	fmt.Fprintf(buf, "--%s--\n", boundary)
	return buf.Bytes(), nil
}

// composeFailureReport builds a per-message DMARC failure report, with the
// offending message attached.
// https://tools.ietf.org/html/rfc7489#section-7.3
func composeFailureReport(hostname, domain string, message []byte) []byte {
	now := time.Now()
	boundary := fmt.Sprintf("ruf-%d", now.UnixNano())

	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "From: Report Submitter <postmaster@%s>\n", hostname)
	fmt.Fprintf(buf, "Subject: FW: DMARC failure report for %s\n", domain)
	fmt.Fprintf(buf, "Date: %s\n", now.Format(time.RFC1123Z))
	fmt.Fprintf(buf, "Message-ID: <%s@%s>\n", boundary, hostname)
	fmt.Fprintf(buf, "Auto-Submitted: auto-generated\n")
	fmt.Fprintf(buf, "MIME-Version: 1.0\n")
	fmt.Fprintf(buf, "Content-Type: multipart/report; report-type=feedback-report;\n")
	fmt.Fprintf(buf, "    boundary=\"%s\"\n", boundary)
	fmt.Fprintf(buf, "\n")

	fmt.Fprintf(buf, "--%s\n", boundary)
	fmt.Fprintf(buf, "Content-Type: text/plain; charset=\"utf-8\"\n")
	fmt.Fprintf(buf, "\n")
	fmt.Fprintf(buf, "A message claiming to be from %s failed DMARC evaluation.\n", domain)
	fmt.Fprintf(buf, "\n")

	fmt.Fprintf(buf, "--%s\n", boundary)
	fmt.Fprintf(buf, "Content-Type: message/feedback-report\n")
	fmt.Fprintf(buf, "\n")
	fmt.Fprintf(buf, "Feedback-Type: auth-failure\n")
	fmt.Fprintf(buf, "User-Agent: arriero/1.0\n")
	fmt.Fprintf(buf, "Version: 1\n")
	fmt.Fprintf(buf, "Reported-Domain: %s\n", domain)
	fmt.Fprintf(buf, "\n")

	fmt.Fprintf(buf, "--%s\n", boundary)
	fmt.Fprintf(buf, "Content-Type: message/rfc822\n")
	fmt.Fprintf(buf, "\n")
	buf.Write(message)
	fmt.Fprintf(buf, "\n--%s--\n", boundary)

	return buf.Bytes()
}
