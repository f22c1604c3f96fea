package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Severity is the ordered log severity scale used by the backend. The
// numeric values match the backend's wire representation, so ordering
// comparisons (>=) work directly on the constants.
type Severity int32

const (
	SeverityDefault   Severity = 0
	SeverityDebug     Severity = 100
	SeverityInfo      Severity = 200
	SeverityNotice    Severity = 300
	SeverityWarning   Severity = 400
	SeverityError     Severity = 500
	SeverityCritical  Severity = 600
	SeverityAlert     Severity = 700
	SeverityEmergency Severity = 800
)

var severityNames = map[Severity]string{
	SeverityDefault:   "DEFAULT",
	SeverityDebug:     "DEBUG",
	SeverityInfo:      "INFO",
	SeverityNotice:    "NOTICE",
	SeverityWarning:   "WARNING",
	SeverityError:     "ERROR",
	SeverityCritical:  "CRITICAL",
	SeverityAlert:     "ALERT",
	SeverityEmergency: "EMERGENCY",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return strconv.Itoa(int(s))
}

// ParseSeverity maps a severity name (case-insensitive) back to its value.
func ParseSeverity(name string) (Severity, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for sev, n := range severityNames {
		if n == upper {
			return sev, nil
		}
	}
	return SeverityDefault, fmt.Errorf("unknown severity %q", name)
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		sev, err := ParseSeverity(name)
		if err != nil {
			return err
		}
		*s = sev
		return nil
	}
	// Older queue files carried the numeric form.
	var num int32
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("severity must be a string or number: %w", err)
	}
	*s = Severity(num)
	return nil
}

// SourceLocation identifies the code location a record was emitted from.
type SourceLocation struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Function string `json:"function,omitempty"`
}

// LogRecord is one unit of log output. Records are serialized as a single
// JSON object per line in the durable queue and sent verbatim as the
// entries of a batch upload. TextPayload is always present; an empty
// LogName is legal and means the backend assigns its default stream. A nil
// Timestamp means the backend stamps the record on arrival.
type LogRecord struct {
	LogName        string            `json:"logName,omitempty"`
	Timestamp      *time.Time        `json:"timestamp,omitempty"`
	Severity       Severity          `json:"severity,omitempty"`
	InsertID       string            `json:"insertId,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
	SourceLocation *SourceLocation   `json:"sourceLocation,omitempty"`
	TextPayload    string            `json:"textPayload"`
}

// Age reports how long ago the record was stamped. Records without a
// timestamp have no age and report false.
func (r *LogRecord) Age(now time.Time) (time.Duration, bool) {
	if r.Timestamp == nil {
		return 0, false
	}
	return now.Sub(*r.Timestamp), true
}
