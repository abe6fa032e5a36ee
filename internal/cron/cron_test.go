package cron_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reasv/panoptikon-go/config"
	"github.com/reasv/panoptikon-go/internal/cron"
	"github.com/reasv/panoptikon-go/internal/jobs"
	"github.com/reasv/panoptikon-go/schema"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func newRegistry(t *testing.T) *config.Registry {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "00-base.toml"), `
[groups.tagging]
config = { impl_class = "wd_tagger" }

[groups.tagging.inference_ids.wd-v3]
config = { impl_args = {} }
metadata = { output_type = "tags", target_entities = ["items"] }

[groups.embed]
config = { impl_class = "text_embed" }

[groups.embed.inference_ids.e5]
config = { impl_args = {} }
metadata = { output_type = "text-embedding", target_entities = ["text"] }
`)
	reg := config.New(dir, "")
	require.NoError(t, reg.Load())
	return reg
}

func fixedSettings(s cron.Settings) cron.SettingsSource {
	return func(indexDB string) (cron.Settings, error) { return s, nil }
}

func TestTickEnqueuesRescanThenSourceThenDerivedJobsWhenDue(t *testing.T) {
	jm := jobs.New("/bin/true", nil)
	reg := newRegistry(t)

	settings := cron.Settings{
		EnableCronJob: true,
		CronSchedule:  "* * * * *",
		CronJobs: []cron.ScheduledJob{
			{InferenceID: "embed/e5", BatchSize: 8},
			{InferenceID: "tagging/wd-v3", BatchSize: 4, Threshold: 0.5},
		},
	}

	now := time.Date(2026, 1, 1, 12, 0, 30, 0, time.UTC)
	sched := cron.New(jm, reg, fixedSettings(settings))
	sched.Now = func() time.Time { return now }

	// First tick just establishes next_scheduled_time (a "* * * * *"
	// schedule's next tick is always in the future relative to now).
	sched.Tick([]string{"main"})
	require.Empty(t, jm.GetQueueStatus())

	// Advance past the computed next time: the tick should now fire.
	now = now.Add(2 * time.Minute)
	sched.Tick([]string{"main"})

	status := jm.GetQueueStatus()
	require.Len(t, status, 3)
	require.Equal(t, schema.JobFolderRescan, status[0].JobType)
	// Source (items-targeting) job before the derived (text-targeting) one.
	require.Equal(t, schema.JobDataExtraction, status[1].JobType)
	require.Equal(t, "tagging/wd-v3", status[1].Metadata)
	require.Equal(t, schema.JobDataExtraction, status[2].JobType)
	require.Equal(t, "embed/e5", status[2].Metadata)
	for _, st := range status {
		require.Equal(t, "cronjob", st.Tag)
		require.Equal(t, "main", st.TargetDB)
	}
}

func TestTickSkipsWhenCronDisabled(t *testing.T) {
	jm := jobs.New("/bin/true", nil)
	reg := newRegistry(t)
	sched := cron.New(jm, reg, fixedSettings(cron.Settings{EnableCronJob: false}))

	sched.Tick([]string{"main"})
	require.Empty(t, jm.GetQueueStatus())
}

func TestTickSkipsWhenCronjobAlreadyQueued(t *testing.T) {
	jm := jobs.New("/bin/true", nil)
	jm.Enqueue(schema.Job{JobType: schema.JobFolderRescan, TargetDB: "main", Tag: "cronjob"})

	reg := newRegistry(t)
	settings := cron.Settings{EnableCronJob: true, CronSchedule: "* * * * *"}
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sched := cron.New(jm, reg, fixedSettings(settings))
	sched.Now = func() time.Time { return now }

	sched.Tick([]string{"main"})
	now = now.Add(2 * time.Minute)
	sched.Tick([]string{"main"})

	// Still just the one pre-existing queued job: the due tick detected
	// the already-queued "cronjob"-tagged job and skipped.
	require.Len(t, jm.GetQueueStatus(), 1)
}

func TestTOMLSettingsSourceDefaultsWhenFileMissing(t *testing.T) {
	dir := t.TempDir()
	src := cron.TOMLSettingsSource(dir)
	s, err := src("nonexistent")
	require.NoError(t, err)
	require.False(t, s.EnableCronJob)
}

func TestTOMLSettingsSourceReadsFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "configs", "main.toml"), `
enable_cron_job = true
cron_schedule = "0 3 * * *"

[[cron_jobs]]
inference_id = "tagging/wd-v3"
batch_size = 16
threshold = 0.4
`)
	src := cron.TOMLSettingsSource(dir)
	s, err := src("main")
	require.NoError(t, err)
	require.True(t, s.EnableCronJob)
	require.Equal(t, "0 3 * * *", s.CronSchedule)
	require.Len(t, s.CronJobs, 1)
	require.Equal(t, "tagging/wd-v3", s.CronJobs[0].InferenceID)
	require.InDelta(t, 0.4, s.CronJobs[0].Threshold, 0.0001)
}
