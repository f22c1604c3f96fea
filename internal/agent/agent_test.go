package agent

import (
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logship-agent/config"
	"logship-agent/internal/model"
	"logship-agent/internal/queue"
)

type fakeTrigger struct {
	triggers  atomic.Int64
	intervals []time.Duration
}

func (f *fakeTrigger) TriggerNow() { f.triggers.Add(1) }

func (f *fakeTrigger) ScheduleInterval(interval time.Duration) {
	f.intervals = append(f.intervals, interval)
}

func newTestAgent(t *testing.T, settings config.Settings) (*Agent, *queue.Store, *fakeTrigger, *config.Holder) {
	t.Helper()
	holder := config.NewHolder(settings)
	store := queue.NewStore(filepath.Join(t.TempDir(), "pending.ndjson"), holder)
	t.Cleanup(store.Close)
	trigger := &fakeTrigger{}
	a := &Agent{
		store:          store,
		trigger:        trigger,
		settings:       holder,
		clientIdentity: "agent@proj-1.iam.gserviceaccount.com",
		now:            time.Now,
	}
	return a, store, trigger, holder
}

func TestAppendPersistsRecord(t *testing.T) {
	a, store, trigger, _ := newTestAgent(t, config.Settings{SignalingSeverity: model.SeverityCritical})

	ts := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	a.Append("app", model.SeverityWarning, map[string]string{"env": "prod"}, nil, &ts, "disk almost full")
	store.Sync()

	batch, _, _, err := store.DrainForUpload()
	require.NoError(t, err)
	require.Len(t, batch, 1)
	rec := batch[0]
	assert.Equal(t, "app", rec.LogName)
	assert.Equal(t, model.SeverityWarning, rec.Severity)
	assert.Equal(t, "disk almost full", rec.TextPayload)
	assert.Equal(t, map[string]string{"env": "prod"}, rec.Labels)
	require.NotNil(t, rec.Timestamp)
	assert.True(t, ts.Equal(*rec.Timestamp))
	assert.NotEmpty(t, rec.InsertID)
	assert.Zero(t, trigger.triggers.Load())
}

func TestAppendSignalingSeverityTriggersUpload(t *testing.T) {
	a, _, trigger, _ := newTestAgent(t, config.Settings{SignalingSeverity: model.SeverityCritical})

	a.Append("app", model.SeverityError, nil, nil, nil, "just an error")
	assert.Zero(t, trigger.triggers.Load())

	a.Append("app", model.SeverityCritical, nil, nil, nil, "at threshold")
	assert.Equal(t, int64(1), trigger.triggers.Load())

	a.Append("app", model.SeverityEmergency, nil, nil, nil, "above threshold")
	assert.Equal(t, int64(2), trigger.triggers.Load())
}

func TestInsertIDDeterministic(t *testing.T) {
	a, _, _, _ := newTestAgent(t, config.Settings{})
	ts := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)

	first := a.insertID("same message", &ts)
	second := a.insertID("same message", &ts)
	assert.Equal(t, first, second)

	assert.NotEqual(t, first, a.insertID("other message", &ts))
	assert.NotEqual(t, first, a.insertID("same message", nil))
}

func TestAppendCapturesSourceLocationWhenEnabled(t *testing.T) {
	a, store, _, _ := newTestAgent(t, config.Settings{IncludeSourceLocation: true, SignalingSeverity: model.SeverityCritical})

	a.Append("app", model.SeverityInfo, nil, nil, nil, "where am I")
	store.Sync()

	batch, _, _, err := store.DrainForUpload()
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.NotNil(t, batch[0].SourceLocation)
	assert.True(t, strings.HasSuffix(batch[0].SourceLocation.File, "agent_test.go"))
	assert.Positive(t, batch[0].SourceLocation.Line)
}

func TestAppendKeepsExplicitSourceLocation(t *testing.T) {
	a, store, _, _ := newTestAgent(t, config.Settings{IncludeSourceLocation: true, SignalingSeverity: model.SeverityCritical})

	loc := &model.SourceLocation{File: "emitter.go", Line: 42, Function: "emit"}
	a.Append("app", model.SeverityInfo, nil, loc, nil, "explicit location")
	store.Sync()

	batch, _, _, err := store.DrainForUpload()
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, loc, batch[0].SourceLocation)
}

func TestSetUploadIntervalUpdatesSettingsAndRearms(t *testing.T) {
	a, _, trigger, holder := newTestAgent(t, config.Settings{UploadInterval: time.Hour})

	a.SetUploadInterval(10 * time.Minute)

	assert.Equal(t, 10*time.Minute, holder.Load().UploadInterval)
	require.Len(t, trigger.intervals, 1)
	assert.Equal(t, 10*time.Minute, trigger.intervals[0])
}

func TestUploadTriggersImmediately(t *testing.T) {
	a, _, trigger, _ := newTestAgent(t, config.Settings{})
	a.Upload()
	assert.Equal(t, int64(1), trigger.triggers.Load())
}
