// Package maillog implements a log specifically for email.
package maillog

import (
	"fmt"
	"io"
	"log/syslog"
	"net"
	"os"
	"sync"
	"time"

	"blitiri.com.ar/go/log"

	"github.com/arrieromail/arriero/internal/trace"
)

// Global event logs.
var (
	authLog = trace.NewEventLog("Authentication", "Incoming SMTP")
)

// A writer that prepends timing information.
type timedWriter struct {
	w io.Writer
}

// Write the given buffer, prepending timing information.
func (t timedWriter) Write(b []byte) (int, error) {
	fmt.Fprintf(t.w, "%s  ", time.Now().Format("2006-01-02 15:04:05.000000"))
	return t.w.Write(b)
}

// Logger contains a backend used to log data to, such as a file or syslog.
// It implements various user-friendly methods for logging mail information to
// it.
type Logger struct {
	w    io.Writer
	once sync.Once

	// File-backed loggers keep these for Reopen.
	path string
	f    *os.File
}

// New creates a new Logger which will write messages to the given writer.
func New(w io.Writer) *Logger {
	return &Logger{w: timedWriter{w}}
}

// NewFile creates a new Logger which will append messages to the file at
// the given path.
func NewFile(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
	if err != nil {
		return nil, err
	}

	return &Logger{w: timedWriter{f}, path: path, f: f}, nil
}

// NewSyslog creates a new Logger which will write messages to syslog.
func NewSyslog() (*Logger, error) {
	w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_MAIL, "arriero")
	if err != nil {
		return nil, err
	}

	l := &Logger{w: w}
	return l, nil
}

// Reopen the underlying file, for log rotation. It is a no-op for loggers
// that are not file-backed.
func (l *Logger) Reopen() error {
	if l.path == "" {
		return nil
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
	if err != nil {
		return err
	}

	l.f.Close()
	l.f = f
	l.w = timedWriter{f}
	return nil
}

func (l *Logger) printf(format string, args ...interface{}) {
	_, err := fmt.Fprintf(l.w, format, args...)
	if err != nil {
		l.once.Do(func() {
			log.Errorf("failed to write to maillog: %v", err)
			log.Errorf("(will not report this again)")
		})
	}
}

// Listening logs that the daemon is listening on the given address.
func (l *Logger) Listening(a string) {
	l.printf("daemon listening on %s\n", a)
}

// Auth logs an authentication request.
func (l *Logger) Auth(netAddr net.Addr, user string, successful bool) {
	res := "succeeded"
	if !successful {
		res = "failed"
	}
	msg := fmt.Sprintf("%s auth %s for %s\n", netAddr, res, user)
	l.printf(msg)
	authLog.Debugf(msg)
}

// Rejected logs that we've rejected an email.
func (l *Logger) Rejected(netAddr net.Addr, from string, to []string, err string) {
	if from != "" {
		from = fmt.Sprintf(" from=%s", from)
	}
	toStr := ""
	if len(to) > 0 {
		toStr = fmt.Sprintf(" to=%v", to)
	}
	l.printf("%s rejected%s%s - %v\n", netAddr, from, toStr, err)
}

// Queued logs that we have queued an email.
func (l *Logger) Queued(netAddr net.Addr, from string, to []string, id string) {
	l.printf("%s from=%s queued ip=%s to=%v\n", id, from, netAddr, to)
}

// SendAttempt logs that we have attempted to send an email.
func (l *Logger) SendAttempt(id, from, to string, err error, permanent bool) {
	if err == nil {
		l.printf("%s from=%s to=%s sent\n", id, from, to)
	} else {
		t := "(temporary)"
		if permanent {
			t = "(permanent)"
		}
		l.printf("%s from=%s to=%s failed %s: %v\n", id, from, to, t, err)
	}
}

// DSN logs that we have generated a delivery status notification.
func (l *Logger) DSN(id, from string) {
	l.printf("%s from=%s DSN generated\n", id, from)
}

// Expired logs that an envelope has exceeded its maximum age.
func (l *Logger) Expired(id, from string) {
	l.printf("%s from=%s expired, giving up\n", id, from)
}

// Reschedule logs that an envelope was rescheduled for a later attempt.
func (l *Logger) Reschedule(id, from string, delay time.Duration) {
	l.printf("%s from=%s rescheduled, next in %v\n", id, from, delay)
}

// Default logger, used in the following top-level functions.
var Default = New(io.Discard)

// Listening logs that the daemon is listening on the given address.
func Listening(a string) {
	Default.Listening(a)
}

// Auth logs an authentication request.
func Auth(netAddr net.Addr, user string, successful bool) {
	Default.Auth(netAddr, user, successful)
}

// Rejected logs that we've rejected an email.
func Rejected(netAddr net.Addr, from string, to []string, err string) {
	Default.Rejected(netAddr, from, to, err)
}

// Queued logs that we have queued an email.
func Queued(netAddr net.Addr, from string, to []string, id string) {
	Default.Queued(netAddr, from, to, id)
}

// SendAttempt logs that we have attempted to send an email.
func SendAttempt(id, from, to string, err error, permanent bool) {
	Default.SendAttempt(id, from, to, err, permanent)
}

// DSN logs that we have generated a delivery status notification.
func DSN(id, from string) {
	Default.DSN(id, from)
}

// Expired logs that an envelope has exceeded its maximum age.
func Expired(id, from string) {
	Default.Expired(id, from)
}

// Reschedule logs that an envelope was rescheduled for a later attempt.
func Reschedule(id, from string, delay time.Duration) {
	Default.Reschedule(id, from, delay)
}
