package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/reasv/panoptikon-go/config"
	"github.com/reasv/panoptikon-go/internal/extraction"
	"github.com/reasv/panoptikon-go/internal/jobs"
	"github.com/reasv/panoptikon-go/internal/pql"
	"github.com/reasv/panoptikon-go/repository"
	"github.com/reasv/panoptikon-go/schema"
)

// jobWorkerCmd is the hidden re-exec target the Job Manager spawns one
// fresh process per queued job for (spec.md §4.6: "each job runs in a
// fresh worker process"). It is never invoked directly by an operator.
var jobWorkerCmd = &cobra.Command{
	Use:    "job-worker",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadAppConfig(configPath)
		if err != nil {
			return err
		}
		code := jobs.WorkerMain(context.Background(), os.Stdin, func(ctx context.Context, job schema.Job) error {
			return runJob(ctx, cfg, job)
		})
		if code != 0 {
			os.Exit(code)
		}
		return nil
	},
}

// runJob dispatches one job to its implementation, per spec.md §6.4's job
// types: data_extraction, data_deletion, folder_rescan, folder_update,
// job_data_deletion.
func runJob(ctx context.Context, cfg AppConfig, job schema.Job) error {
	dbPath := job.TargetDB
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(cfg.DataDir, dbPath+".db")
	}

	switch job.JobType {
	case schema.JobDataExtraction:
		return runDataExtraction(ctx, cfg, dbPath, job)
	case schema.JobDataDeletion:
		return runDataDeletion(dbPath, job)
	case schema.JobDataDeletionLog:
		return runJobDataDeletion(dbPath, job)
	case schema.JobFolderRescan, schema.JobFolderUpdate:
		// The folder-scan walker is an external collaborator consumed only
		// through its interface (spec.md §1's Non-goals); this worker's
		// responsibility ends at the job-type plumbing and cascade-delete
		// bookkeeping a rescan/update would otherwise trigger.
		logger.Infof("%s: %s is a no-op in this build (folder-scan walker is out of scope)", job.TargetDB, job.JobType)
		return nil
	default:
		return fmt.Errorf("job-worker: unknown job type %q", job.JobType)
	}
}

func runDataExtraction(ctx context.Context, cfg AppConfig, dbPath string, job schema.Job) error {
	id, err := schema.ParseInferenceId(job.Metadata)
	if err != nil {
		return fmt.Errorf("data_extraction: %w", err)
	}

	models := config.New(cfg.ConfigDir, cfg.UserConfigDir)
	if err := models.Load(); err != nil {
		return fmt.Errorf("data_extraction: load model config: %w", err)
	}
	meta, ok := models.Current().Meta[id]
	if !ok {
		return fmt.Errorf("data_extraction: unknown model %s", id)
	}

	predictor, err := distributedClient(cfg)
	if err != nil {
		return fmt.Errorf("data_extraction: build inference client: %w", err)
	}

	db, err := repository.Open(dbPath, false)
	if err != nil {
		return fmt.Errorf("data_extraction: open index %s: %w", dbPath, err)
	}
	defer db.Close()
	if err := repository.InitSchema(db); err != nil {
		return fmt.Errorf("data_extraction: init schema: %w", err)
	}

	batchSize := job.BatchSize
	if batchSize <= 0 {
		batchSize = meta.DefaultBatchSize
	}
	threshold := job.Threshold
	if threshold <= 0 {
		threshold = meta.DefaultThreshold
	}

	opts := extraction.Options{
		ID:         id,
		SetterName: id.String(),
		DataType:   string(meta.OutputType),
		BatchSize:  batchSize,
		Threshold:  threshold,
		CacheKey:   "job-worker",
		LRUSize:    1,
		TTLSeconds: -1,
		InputQuery: meta.InputQuery,
		Entity:     entityForTargets(meta.TargetEntities),
		Input:      inputHandlerFor(meta),
		Output:     outputHandlerFor(meta, threshold),
	}

	engine := extraction.Engine{
		DB:        db,
		DataJobs:  &repository.DataJobRepository{DB: db},
		Setters:   &repository.SetterRepository{DB: db},
		Predictor: predictor,
	}
	dl, err := engine.Run(ctx, opts)
	if err != nil {
		return fmt.Errorf("data_extraction: %w", err)
	}
	logger.Infof("%s: extraction finished, processed=%d failed=%d", id, dl.ItemsProcessed, dl.ItemsFailed)
	return nil
}

// runDataDeletion removes every data_job/item_data row a setter produced,
// the "delete a model's outputs wholesale" job (SPEC_FULL.md §11's
// data_deletion job kind).
func runDataDeletion(dbPath string, job schema.Job) error {
	id, err := schema.ParseInferenceId(job.Metadata)
	if err != nil {
		return fmt.Errorf("data_deletion: %w", err)
	}
	db, err := repository.Open(dbPath, false)
	if err != nil {
		return fmt.Errorf("data_deletion: open index %s: %w", dbPath, err)
	}
	defer db.Close()
	return (&repository.DataJobRepository{DB: db}).DeleteBySetter(id.String())
}

// runJobDataDeletion removes the data_job a single data_log row anchors,
// keyed by log_id (SPEC_FULL.md §11's job_data_deletion job kind).
func runJobDataDeletion(dbPath string, job schema.Job) error {
	db, err := repository.Open(dbPath, false)
	if err != nil {
		return fmt.Errorf("job_data_deletion: open index %s: %w", dbPath, err)
	}
	defer db.Close()
	return (&repository.DataJobRepository{DB: db}).DeleteByLogID(job.LogID)
}

func entityForTargets(targets []schema.TargetEntity) pql.Entity {
	for _, t := range targets {
		if t == schema.TargetText {
			return pql.EntityTextExtract
		}
	}
	return pql.EntityItem
}

func inputHandlerFor(meta schema.ModelMetadata) extraction.InputHandler {
	switch meta.InputHandler {
	case "text":
		return extraction.TextInputHandler
	default:
		return extraction.FileBytesInputHandler
	}
}

func outputHandlerFor(meta schema.ModelMetadata, threshold float64) extraction.OutputHandler {
	switch meta.OutputType {
	case schema.OutputTags:
		return extraction.TagsOutputHandler(threshold)
	case schema.OutputClip:
		return extraction.EmbeddingOutputHandler(string(schema.OutputClip))
	case schema.OutputTextEmbedding:
		return extraction.EmbeddingOutputHandler(string(schema.OutputTextEmbedding))
	default:
		return extraction.TextOutputHandler
	}
}
