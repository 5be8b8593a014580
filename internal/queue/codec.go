package queue

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/arrieromail/arriero/internal/blob"
)

// Envelope persistence format.
//
// The layout is a stable binary encoding: a fixed two-byte header (version,
// flags), followed by a sequence of length-prefixed fields:
//
//	field-id  u8
//	length    uvarint
//	payload   length bytes
//
// Unknown field ids are skipped, so older versions can read envelopes
// written by newer ones as long as the version byte matches.

const codecVersion = 1

// Envelope field ids.
const (
	fieldID          = 1
	fieldNonce       = 2
	fieldFrom        = 3
	fieldPriority    = 4
	fieldSize        = 5
	fieldBlobRef     = 6
	fieldAuthResults = 7
	fieldReceived    = 8
	fieldCreatedAt   = 9
	fieldLastAttempt = 10
	fieldNextEvent   = 11
	fieldRecipient   = 12
)

// Recipient field ids (within a fieldRecipient payload).
const (
	rcptAddress     = 1
	rcptOriginal    = 2
	rcptType        = 3
	rcptStatus      = 4
	rcptRetries     = 5
	rcptLastError   = 6
	rcptNextAttempt = 7
	rcptDomainKey   = 8
)

// Decoding errors.
var (
	ErrBadVersion = errors.New("unsupported envelope version")
	ErrCorrupt    = errors.New("corrupt envelope")
)

type fieldWriter struct {
	buf []byte
}

func (w *fieldWriter) bytes(id byte, payload []byte) {
	w.buf = append(w.buf, id)
	w.buf = binary.AppendUvarint(w.buf, uint64(len(payload)))
	w.buf = append(w.buf, payload...)
}

func (w *fieldWriter) string(id byte, s string) {
	if s != "" {
		w.bytes(id, []byte(s))
	}
}

func (w *fieldWriter) uint(id byte, v uint64) {
	if v != 0 {
		w.bytes(id, binary.AppendUvarint(nil, v))
	}
}

func (w *fieldWriter) time(id byte, t time.Time) {
	if !t.IsZero() {
		w.bytes(id, binary.AppendVarint(nil, t.UnixNano()))
	}
}

// Marshal the envelope into its stable binary form.
func (e *Envelope) Marshal() []byte {
	w := &fieldWriter{buf: []byte{codecVersion, 0}}

	w.uint(fieldID, e.ID)
	w.string(fieldNonce, e.Nonce)
	w.string(fieldFrom, e.From)
	w.uint(fieldPriority, uint64(e.Priority))
	w.uint(fieldSize, uint64(e.Size))
	w.string(fieldBlobRef, string(e.BlobRef))
	w.string(fieldAuthResults, e.AuthResults)
	w.string(fieldReceived, e.Received)
	w.time(fieldCreatedAt, e.CreatedAt)
	w.time(fieldLastAttempt, e.LastAttempt)
	w.time(fieldNextEvent, e.NextEvent)

	for _, r := range e.Recipients {
		rw := &fieldWriter{}
		rw.string(rcptAddress, r.Address)
		rw.string(rcptOriginal, r.OriginalAddress)
		rw.uint(rcptType, uint64(r.Type))
		rw.uint(rcptStatus, uint64(r.Status))
		rw.uint(rcptRetries, uint64(r.Retries))
		rw.string(rcptLastError, r.LastError)
		rw.time(rcptNextAttempt, r.NextAttempt)
		rw.string(rcptDomainKey, r.DomainKey)
		w.bytes(fieldRecipient, rw.buf)
	}

	return w.buf
}

type fieldReader struct {
	buf []byte
}

func (r *fieldReader) next() (id byte, payload []byte, err error) {
	if len(r.buf) == 0 {
		return 0, nil, nil
	}
	if len(r.buf) < 2 {
		return 0, nil, ErrCorrupt
	}

	id = r.buf[0]
	length, n := binary.Uvarint(r.buf[1:])
	if n <= 0 {
		return 0, nil, ErrCorrupt
	}
	rest := r.buf[1+n:]
	if uint64(len(rest)) < length {
		return 0, nil, ErrCorrupt
	}

	payload = rest[:length]
	r.buf = rest[length:]
	return id, payload, nil
}

func payloadUint(p []byte) (uint64, error) {
	v, n := binary.Uvarint(p)
	if n <= 0 {
		return 0, ErrCorrupt
	}
	return v, nil
}

func payloadTime(p []byte) (time.Time, error) {
	ns, n := binary.Varint(p)
	if n <= 0 {
		return time.Time{}, ErrCorrupt
	}
	return time.Unix(0, ns).UTC(), nil
}

// Unmarshal an envelope from its binary form.
func Unmarshal(buf []byte) (*Envelope, error) {
	if len(buf) < 2 {
		return nil, ErrCorrupt
	}
	if buf[0] != codecVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, buf[0])
	}

	e := &Envelope{}
	r := &fieldReader{buf: buf[2:]}
	for {
		id, payload, err := r.next()
		if err != nil {
			return nil, err
		}
		if id == 0 {
			break
		}

		switch id {
		case fieldID:
			v, err := payloadUint(payload)
			if err != nil {
				return nil, err
			}
			e.ID = v
		case fieldNonce:
			e.Nonce = string(payload)
		case fieldFrom:
			e.From = string(payload)
		case fieldPriority:
			v, err := payloadUint(payload)
			if err != nil {
				return nil, err
			}
			e.Priority = Priority(v)
		case fieldSize:
			v, err := payloadUint(payload)
			if err != nil {
				return nil, err
			}
			e.Size = int64(v)
		case fieldBlobRef:
			e.BlobRef = blob.Ref(payload)
		case fieldAuthResults:
			e.AuthResults = string(payload)
		case fieldReceived:
			e.Received = string(payload)
		case fieldCreatedAt:
			t, err := payloadTime(payload)
			if err != nil {
				return nil, err
			}
			e.CreatedAt = t
		case fieldLastAttempt:
			t, err := payloadTime(payload)
			if err != nil {
				return nil, err
			}
			e.LastAttempt = t
		case fieldNextEvent:
			t, err := payloadTime(payload)
			if err != nil {
				return nil, err
			}
			e.NextEvent = t
		case fieldRecipient:
			rcpt, err := unmarshalRecipient(payload)
			if err != nil {
				return nil, err
			}
			e.Recipients = append(e.Recipients, rcpt)
		default:
			// Unknown field: skip, for forward compatibility.
		}
	}

	return e, nil
}

func unmarshalRecipient(buf []byte) (*Recipient, error) {
	rcpt := &Recipient{}
	r := &fieldReader{buf: buf}
	for {
		id, payload, err := r.next()
		if err != nil {
			return nil, err
		}
		if id == 0 {
			break
		}

		switch id {
		case rcptAddress:
			rcpt.Address = string(payload)
		case rcptOriginal:
			rcpt.OriginalAddress = string(payload)
		case rcptType:
			v, err := payloadUint(payload)
			if err != nil {
				return nil, err
			}
			rcpt.Type = RcptType(v)
		case rcptStatus:
			v, err := payloadUint(payload)
			if err != nil {
				return nil, err
			}
			rcpt.Status = Status(v)
		case rcptRetries:
			v, err := payloadUint(payload)
			if err != nil {
				return nil, err
			}
			rcpt.Retries = int(v)
		case rcptLastError:
			rcpt.LastError = string(payload)
		case rcptNextAttempt:
			t, err := payloadTime(payload)
			if err != nil {
				return nil, err
			}
			rcpt.NextAttempt = t
		case rcptDomainKey:
			rcpt.DomainKey = string(payload)
		default:
			// Unknown field: skip.
		}
	}
	return rcpt, nil
}
