package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"logship-agent/config"
	"logship-agent/internal/model"
	"logship-agent/internal/queue"
	"logship-agent/internal/uploader"
)

// BatchWriter sends one batch to the backend.
type BatchWriter interface {
	Write(ctx context.Context, entries []model.LogRecord) error
}

// Scheduler drives upload cycles. It owns the recurring interval timer,
// the out-of-schedule trigger, and the drain/evict/upload/commit sequence.
// Cycles are mutually exclusive: one worker goroutine runs them off a
// trigger channel with a one-slot buffer, so a trigger arriving mid-cycle
// is remembered exactly once and never run concurrently.
type Scheduler struct {
	store    *queue.Store
	writer   BatchWriter
	settings *config.Holder
	now      func() time.Time

	cron    *cron.Cron
	cronMu  sync.Mutex
	entryID cron.EntryID

	trigger chan struct{}
	quit    chan struct{}
	wg      sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

func NewScheduler(store *queue.Store, writer BatchWriter, settings *config.Holder) *Scheduler {
	return &Scheduler{
		store:    store,
		writer:   writer,
		settings: settings,
		now:      time.Now,
		cron:     cron.New(),
		trigger:  make(chan struct{}, 1),
		quit:     make(chan struct{}),
	}
}

// Start launches the cycle worker and arms the recurring trigger from the
// configured upload interval.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.runLoop()
		s.ScheduleInterval(s.settings.Load().UploadInterval)
		s.cron.Start()
		log.Info().Dur("upload_interval", s.settings.Load().UploadInterval).Msg("Scheduler started")
	})
}

// Stop halts the recurring timer, waits for an in-flight cycle, then runs
// one final cycle so records accepted before shutdown get an upload
// attempt.
func (s *Scheduler) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		log.Info().Msg("Stopping scheduler...")
		cronCtx := s.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-ctx.Done():
			err = ctx.Err()
			return
		}
		close(s.quit)
		s.wg.Wait()
		s.runCycle()
		log.Info().Msg("Scheduler stopped")
	})
	return err
}

// TriggerNow requests an out-of-schedule cycle. If one is already running
// the request is coalesced: at most one extra run is remembered, never
// stacked.
func (s *Scheduler) TriggerNow() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// ScheduleInterval re-arms the recurring trigger. A zero or negative
// interval removes it, leaving manual and severity-triggered uploads only.
// A pending coalesced trigger survives re-arming.
func (s *Scheduler) ScheduleInterval(interval time.Duration) {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()
	if s.entryID != 0 {
		s.cron.Remove(s.entryID)
		s.entryID = 0
	}
	if interval <= 0 {
		log.Info().Msg("Recurring upload disabled")
		return
	}
	s.entryID = s.cron.Schedule(cron.Every(interval), cron.FuncJob(s.TriggerNow))
	log.Info().Dur("upload_interval", interval).Msg("Recurring upload scheduled")
}

func (s *Scheduler) runLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.trigger:
			s.runCycle()
		case <-s.quit:
			return
		}
	}
}

// runCycle performs one drain -> evict -> upload -> commit sequence.
// Eviction already applied is never undone: on upload failure only the
// surviving batch is requeued, so evicted records stay gone regardless of
// the upload outcome.
func (s *Scheduler) runCycle() {
	start := s.now()
	log.Debug().Msg("Starting upload cycle")

	batch, raw, parseFailures, err := s.store.DrainForUpload()
	if err != nil {
		log.Error().Err(err).Msg("Failed to drain queue, abandoning cycle")
		return
	}

	survivors, dropped := s.store.ApplyEvictionPolicies(batch, s.now())

	if len(survivors) == 0 {
		// Evicted and unparseable lines still have to leave the file.
		if len(raw) > 0 {
			if err := s.store.Commit(nil, raw); err != nil {
				log.Error().Err(err).Msg("Failed to commit after eviction-only cycle")
			}
		}
		log.Info().Int("evicted", dropped.Total()).Int("parse_failures", parseFailures).Msg("Nothing to upload")
		return
	}

	uploadErr := s.writer.Write(context.Background(), survivors)

	switch {
	case uploadErr == nil:
		if err := s.store.Commit(nil, raw); err != nil {
			log.Error().Err(err).Msg("Failed to commit delivered batch; records will be re-sent next cycle")
			return
		}
		log.Info().
			Int("entries_sent", len(survivors)).
			Int("evicted", dropped.Total()).
			Int("parse_failures", parseFailures).
			Dur("duration", s.now().Sub(start)).
			Msg("Finished upload cycle")
	case errors.Is(uploadErr, uploader.ErrNoEntriesToSend):
		log.Debug().Msg("Upload skipped: no entries to send")
	default:
		if err := s.store.Commit(survivors, raw); err != nil {
			log.Error().Err(err).Msg("Failed to requeue undelivered batch")
			return
		}
		log.Warn().
			Err(uploadErr).
			Int("entries_requeued", len(survivors)).
			Int("evicted", dropped.Total()).
			Dur("duration", s.now().Sub(start)).
			Msg("Upload failed, batch requeued for next cycle")
	}
}
