package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"

	"logship-agent/config"
	"logship-agent/internal/model"
	"logship-agent/internal/queue"
	"logship-agent/internal/scheduler"
)

// Trigger is the slice of the scheduler the entry point needs.
type Trigger interface {
	TriggerNow()
	ScheduleInterval(interval time.Duration)
}

// Agent is the narrow ingestion surface the logging front-end calls. An
// Append enqueues the record onto the store worker and returns without
// blocking; records at or above the signaling severity additionally
// request an out-of-schedule upload.
type Agent struct {
	store          *queue.Store
	trigger        Trigger
	settings       *config.Holder
	clientIdentity string
	now            func() time.Time
}

func NewAgent(store *queue.Store, sched *scheduler.Scheduler, settings *config.Holder, clientIdentity string) *Agent {
	return &Agent{
		store:          store,
		trigger:        sched,
		settings:       settings,
		clientIdentity: clientIdentity,
		now:            time.Now,
	}
}

// Append accepts one fully-formed record. logName may be empty (the
// backend assigns its default stream) and timestamp may be nil (the
// backend stamps on arrival). sourceLocation is optional; when it is nil
// and IncludeSourceLocation is set, the caller's location is captured.
func (a *Agent) Append(logName string, severity model.Severity, labels map[string]string, sourceLocation *model.SourceLocation, timestamp *time.Time, textPayload string) {
	settings := a.settings.Load()

	if sourceLocation == nil && settings.IncludeSourceLocation {
		sourceLocation = callerLocation(1)
	}

	rec := model.LogRecord{
		LogName:        logName,
		Timestamp:      timestamp,
		Severity:       severity,
		InsertID:       a.insertID(textPayload, timestamp),
		Labels:         labels,
		SourceLocation: sourceLocation,
		TextPayload:    textPayload,
	}

	a.store.Append(rec)

	if severity >= settings.SignalingSeverity {
		log.Debug().Stringer("severity", severity).Msg("Signaling severity reached, requesting upload")
		a.trigger.TriggerNow()
	}
}

// Upload requests an immediate cycle; safe to call before any pending
// timer fires.
func (a *Agent) Upload() {
	a.trigger.TriggerNow()
}

// SetUploadInterval reconfigures the recurring upload live. Zero disables
// recurring uploads; a pending coalesced trigger is preserved.
func (a *Agent) SetUploadInterval(interval time.Duration) {
	a.settings.Update(func(s *config.Settings) { s.UploadInterval = interval })
	a.trigger.ScheduleInterval(interval)
}

// insertID is the dedup hint the backend uses to suppress duplicate
// delivery when a batch is re-sent after a lost acknowledgment. It is
// deterministic over message, client identity and timestamp so the re-sent
// copy hashes identically.
func (a *Agent) insertID(textPayload string, timestamp *time.Time) string {
	ts := ""
	if timestamp != nil {
		ts = timestamp.UTC().Format(time.RFC3339Nano)
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", textPayload, a.clientIdentity, ts)))
	return hex.EncodeToString(sum[:])
}

func callerLocation(skip int) *model.SourceLocation {
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return nil
	}
	loc := &model.SourceLocation{File: file, Line: line}
	if fn := runtime.FuncForPC(pc); fn != nil {
		loc.Function = fn.Name()
	}
	return loc
}
