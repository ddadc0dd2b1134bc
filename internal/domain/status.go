package domain

import "fmt"

// Severity of a server Status.
type Severity string

const (
	SeverityOK      Severity = "OK"
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

// Status is the structured error carried in a response envelope.
type Status struct {
	Severity Severity       `json:"severity"`
	Code     string         `json:"code"`
	Params   map[string]any `json:"params,omitempty"`
}

func (s Status) String() string {
	return fmt.Sprintf("%s %s", s.Severity, s.Code)
}
