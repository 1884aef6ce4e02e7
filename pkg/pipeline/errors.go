package pipeline

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/btagflow/btagflow/pkg/errors"
)

// ErrorPolicy determines how unreadable events are handled.
type ErrorPolicy int

const (
	// ErrorPolicyStrict aborts on the first unreadable event.
	ErrorPolicyStrict ErrorPolicy = iota
	// ErrorPolicySkip drops unreadable events and continues.
	ErrorPolicySkip
	// ErrorPolicyQuarantine drops unreadable events and records them.
	ErrorPolicyQuarantine
)

func (p ErrorPolicy) String() string {
	switch p {
	case ErrorPolicyStrict:
		return "strict"
	case ErrorPolicySkip:
		return "skip"
	case ErrorPolicyQuarantine:
		return "quarantine"
	default:
		return "unknown"
	}
}

// ParseErrorPolicy parses a string into an ErrorPolicy.
func ParseErrorPolicy(s string) ErrorPolicy {
	switch s {
	case "strict":
		return ErrorPolicyStrict
	case "skip":
		return ErrorPolicySkip
	case "quarantine":
		return ErrorPolicyQuarantine
	default:
		return ErrorPolicyStrict
	}
}

// MarshalYAML implements yaml.Marshaler.
func (p ErrorPolicy) MarshalYAML() (interface{}, error) {
	return p.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *ErrorPolicy) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	*p = ParseErrorPolicy(s)
	return nil
}

// ErrorRecord describes one unreadable event.
type ErrorRecord struct {
	// Sequence is the 1-based count of source reads when the error occurred.
	Sequence  int64       `json:"sequence"`
	Code      errors.Code `json:"code"`
	Message   string      `json:"message"`
	Source    string      `json:"source"`
	Timestamp time.Time   `json:"timestamp"`
}

// ErrorHandler applies the error policy to source errors.
type ErrorHandler struct {
	mu sync.Mutex

	policy       ErrorPolicy
	maxErrors    int64 // Maximum errors before aborting (0 = unlimited)
	errorCount   int64
	skippedCount int64

	// Collected errors (limited to avoid memory issues)
	errors    []ErrorRecord
	maxStored int

	onSkip     func(ErrorRecord)
	quarantine io.Writer
}

// NewErrorHandler creates a new error handler with the given policy.
func NewErrorHandler(policy ErrorPolicy) *ErrorHandler {
	return &ErrorHandler{
		policy:    policy,
		maxStored: 1000,
	}
}

// WithMaxErrors sets the maximum number of errors before aborting.
func (h *ErrorHandler) WithMaxErrors(max int64) *ErrorHandler {
	h.maxErrors = max
	return h
}

// WithOnSkip sets a callback for each dropped event.
func (h *ErrorHandler) WithOnSkip(fn func(ErrorRecord)) *ErrorHandler {
	h.onSkip = fn
	return h
}

// WithQuarantine sets the writer receiving quarantined records as JSON lines.
func (h *ErrorHandler) WithQuarantine(w io.Writer) *ErrorHandler {
	h.quarantine = w
	return h
}

// Handle applies the policy to err. It returns nil when processing
// should continue.
func (h *ErrorHandler) Handle(rec ErrorRecord, err error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.errorCount++
	if rec.Code == "" {
		rec.Code = errors.GetCode(err)
	}
	if rec.Message == "" {
		rec.Message = err.Error()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	if len(h.errors) < h.maxStored {
		h.errors = append(h.errors, rec)
	}

	if h.policy == ErrorPolicyStrict || !Skippable(err) {
		return err
	}
	if h.maxErrors > 0 && h.errorCount > h.maxErrors {
		return errors.Wrapf(err, errors.CodeSourceDecode, "maximum error count (%d) exceeded", h.maxErrors)
	}

	h.skippedCount++
	if h.policy == ErrorPolicyQuarantine && h.quarantine != nil {
		line, mErr := json.Marshal(rec)
		if mErr == nil {
			if _, wErr := fmt.Fprintf(h.quarantine, "%s\n", line); wErr != nil {
				return errors.Wrap(wErr, errors.CodeSinkWrite, "failed to write quarantine record")
			}
		}
	}
	if h.onSkip != nil {
		h.onSkip(rec)
	}
	return nil
}

// Skippable reports whether err concerns a single event. Stream failures
// repeat on every read and always end the run.
func Skippable(err error) bool {
	switch errors.GetCode(err) {
	case errors.CodeSourceDecode, errors.CodeInconsistentJet:
		return true
	}
	return false
}

// Stats returns error statistics.
func (h *ErrorHandler) Stats() ErrorStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	return ErrorStats{
		ErrorCount:   h.errorCount,
		SkippedCount: h.skippedCount,
		Policy:       h.policy,
	}
}

// Errors returns collected errors.
func (h *ErrorHandler) Errors() []ErrorRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	result := make([]ErrorRecord, len(h.errors))
	copy(result, h.errors)
	return result
}

// ErrorStats contains error processing statistics.
type ErrorStats struct {
	ErrorCount   int64
	SkippedCount int64
	Policy       ErrorPolicy
}
