package communicator

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// ErrInvalidFields rejects a field set that cannot be placed into a request
// query verbatim.
var ErrInvalidFields = errors.New("invalid field set")

// Status classifies the outcome of one send attempt.
type Status int

const (
	StatusOK Status = iota
	StatusAPIRejected
	StatusTransportFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusAPIRejected:
		return "api_rejected"
	case StatusTransportFailed:
		return "transport_failed"
	default:
		return "unknown"
	}
}

// Request is one outbound delivery to a controller.
type Request struct {
	ControllerID  uint32
	Credential    string
	Fields        []byte
	CorrelationID string
}

// Result is what a transport reports for one Request.
type Result struct {
	Status Status
	Code   int   // HTTP status, zero on transport failure
	Err    error // cause, nil on success
}

func (r Result) OK() bool {
	return r.Status == StatusOK
}

// Outcome is the final fate of a payload, published to the journal.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeDropped   Outcome = "dropped"
)

// Delivery is the JSON event describing a delivered or dropped payload.
type Delivery struct {
	Agent         string    `json:"agent,omitempty"`
	ControllerID  uint32    `json:"cid"`
	Outcome       Outcome   `json:"outcome"`
	Attempts      int       `json:"attempts"`
	Status        string    `json:"status"`
	Code          int       `json:"code,omitempty"`
	Error         string    `json:"error,omitempty"`
	Fields        string    `json:"fields"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// EncodeFields renders metric values as "p1=..&p2=.." in key order.
func EncodeFields(values url.Values) []byte {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		for _, v := range values[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return []byte(b.String())
}

// ValidateFields checks that fields is an already-escaped "k=v&k=v" query.
// Anything that would corrupt the request line, such as spaces, control bytes
// or a broken %-escape, is rejected.
func ValidateFields(fields []byte) error {
	for i, b := range fields {
		if !isQueryByte(b) {
			return fmt.Errorf("%w: byte %q at %d", ErrInvalidFields, b, i)
		}
	}
	if _, err := url.ParseQuery(string(fields)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFields, err)
	}
	return nil
}

func isQueryByte(b byte) bool {
	switch {
	case 'a' <= b && b <= 'z', 'A' <= b && b <= 'Z', '0' <= b && b <= '9':
		return true
	}
	switch b {
	case '-', '.', '_', '~', '!', '$', '&', '\'', '(', ')', '*', '+', ',', ';', '=', ':', '@', '/', '?', '%':
		return true
	}
	return false
}
