// Package cron implements the Cron Scheduler (CS): per-index-DB polling
// that, when an index's schedule comes due, enqueues a folder rescan
// followed by ordered data-extraction jobs, per spec.md §4.10. It is a
// close port of the Python implementation's try_cronjobs/try_cronjob
// (api/cronjob/schedule.py) and run_cronjob (api/cronjob/job.py).
package cron

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/reasv/panoptikon-go/config"
	"github.com/reasv/panoptikon-go/internal/jobs"
	"github.com/reasv/panoptikon-go/log"
	"github.com/reasv/panoptikon-go/schema"
)

var logger = log.Default().With("cron")

const jobTag = "cronjob"

// ScheduledJob is one model entry in an index's cron schedule, porting
// Python's CronJob (panoptikon/types.py).
type ScheduledJob struct {
	InferenceID string  `toml:"inference_id"`
	BatchSize   int     `toml:"batch_size"`
	Threshold   float64 `toml:"threshold"`
}

// Settings is the cron-relevant slice of an index DB's system config
// (panoptikon/config_type.py's SystemConfig, narrowed to what CS reads;
// the scan/folder-filter fields on SystemConfig belong to the folder-scan
// walker, out of scope per spec.md §1).
type Settings struct {
	EnableCronJob bool           `toml:"enable_cron_job"`
	CronSchedule  string         `toml:"cron_schedule"`
	CronJobs      []ScheduledJob `toml:"cron_jobs"`
}

// SettingsSource resolves the current cron Settings for one index DB. How
// these are persisted is left to the caller (TOMLSettingsSource in this
// package covers the on-disk-per-index-file case spec.md describes).
type SettingsSource func(indexDB string) (Settings, error)

// Scheduler holds one in-memory next_scheduled_time per index DB and
// drives the Job Manager when a schedule comes due.
type Scheduler struct {
	Jobs     *jobs.Manager
	Models   *config.Registry
	Settings SettingsSource
	Now      func() time.Time

	mu    sync.Mutex
	state map[string]*indexState
}

type indexState struct {
	cronString string
	schedule   cron.Schedule
	next       time.Time
}

func New(jm *jobs.Manager, models *config.Registry, settings SettingsSource) *Scheduler {
	return &Scheduler{Jobs: jm, Models: models, Settings: settings, state: map[string]*indexState{}}
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Tick evaluates every listed index DB once. Callers run this on a ≤1
// minute interval, per spec.md §4.10's "on each tick (≤1 min)".
func (s *Scheduler) Tick(indexes []string) {
	for _, idx := range indexes {
		if err := s.tickOne(idx); err != nil {
			logger.Warnf("%s: cron tick failed: %v", idx, err)
		}
	}
}

func (s *Scheduler) tickOne(indexDB string) error {
	cfg, err := s.Settings(indexDB)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	s.mu.Lock()
	st := s.updateSchedule(indexDB, cfg)
	due := st != nil && !st.next.IsZero() && !s.now().Before(st.next)
	s.mu.Unlock()
	if !due {
		return nil
	}

	if s.alreadyRunning(indexDB) {
		logger.Infof("%s: a previous cronjob is still running, skipping", indexDB)
		return nil
	}

	s.runCronjob(indexDB, cfg)

	s.mu.Lock()
	if st := s.state[indexDB]; st != nil {
		st.next = st.schedule.Next(s.now())
	}
	s.mu.Unlock()
	return nil
}

// updateSchedule ports update_schedule: disabled or unparseable schedules
// clear any prior state; a changed cron string (or first-ever sighting)
// recomputes next from now. Must be called with s.mu held.
func (s *Scheduler) updateSchedule(indexDB string, cfg Settings) *indexState {
	if !cfg.EnableCronJob || cfg.CronSchedule == "" {
		delete(s.state, indexDB)
		return nil
	}
	st, ok := s.state[indexDB]
	if ok && st.cronString == cfg.CronSchedule {
		return st
	}
	sched, err := cron.ParseStandard(cfg.CronSchedule)
	if err != nil {
		logger.Warnf("%s: invalid cron schedule %q: %v", indexDB, cfg.CronSchedule, err)
		delete(s.state, indexDB)
		return nil
	}
	st = &indexState{cronString: cfg.CronSchedule, schedule: sched, next: sched.Next(s.now())}
	s.state[indexDB] = st
	return st
}

func (s *Scheduler) alreadyRunning(indexDB string) bool {
	for _, st := range s.Jobs.GetQueueStatus() {
		if st.Tag == jobTag && st.TargetDB == indexDB {
			return true
		}
	}
	return false
}

// runCronjob enqueues one folder_rescan, then partitions the configured
// models into source jobs (target_entities == [items]) followed by
// derived-data jobs (anything else), enqueuing one data_extraction job per
// model in that order — source models populate the rows derived models
// read, per spec.md §4.10.
func (s *Scheduler) runCronjob(indexDB string, cfg Settings) {
	logger.Infof("%s: running cronjob", indexDB)
	s.Jobs.Enqueue(schema.Job{JobType: schema.JobFolderRescan, TargetDB: indexDB, Tag: jobTag})

	var src, derived []ScheduledJob
	meta := s.Models.Current().Meta
	for _, sj := range cfg.CronJobs {
		id, err := schema.ParseInferenceId(sj.InferenceID)
		if err != nil {
			logger.Warnf("%s: cron job has invalid inference id %q: %v", indexDB, sj.InferenceID, err)
			continue
		}
		m, ok := meta[id]
		if !ok {
			logger.Errorf("%s: model %s is in the cron schedule but not available on the inference server, skipping", indexDB, id)
			continue
		}
		if isItemsOnly(m.TargetEntities) {
			src = append(src, sj)
		} else {
			derived = append(derived, sj)
		}
	}

	ordered := append(src, derived...)
	for _, sj := range ordered {
		logger.Infof("%s: scheduling a job for %s", indexDB, sj.InferenceID)
		s.Jobs.Enqueue(schema.Job{
			JobType:   schema.JobDataExtraction,
			TargetDB:  indexDB,
			Metadata:  sj.InferenceID,
			BatchSize: sj.BatchSize,
			Threshold: sj.Threshold,
			Tag:       jobTag,
		})
	}
}

func isItemsOnly(targets []schema.TargetEntity) bool {
	return len(targets) == 1 && targets[0] == schema.TargetItems
}
