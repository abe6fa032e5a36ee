package schema

import "encoding/json"

// JobType enumerates the kinds of work the Job Manager can queue, per the
// data model: "Job = {queue_id, job_type, target_db, params}".
type JobType string

const (
	JobDataExtraction  JobType = "data_extraction"
	JobDataDeletion    JobType = "data_deletion"
	JobFolderRescan    JobType = "folder_rescan"
	JobFolderUpdate    JobType = "folder_update"
	JobDataDeletionLog JobType = "job_data_deletion"
)

// JobState is the lifecycle state of a queued/running job.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Job is an immutable-once-enqueued unit of work for the Job Manager.
type Job struct {
	QueueID   int64           `json:"queue_id"`
	JobType   JobType         `json:"job_type"`
	TargetDB  string          `json:"target_db"`
	Metadata  string          `json:"metadata,omitempty"` // inference id for data_extraction/data_deletion
	LogID     int64           `json:"log_id,omitempty"`   // for job_data_deletion
	BatchSize int             `json:"batch_size,omitempty"`
	Threshold float64         `json:"threshold,omitempty"`
	Tag       string          `json:"tag,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// JobStatus is the introspection-facing view of a queued or running job.
type JobStatus struct {
	QueueID   int64   `json:"queue_id"`
	JobType   JobType `json:"job_type"`
	TargetDB  string  `json:"index_db"`
	Metadata  string  `json:"metadata,omitempty"`
	BatchSize int     `json:"batch_size,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	LogID     int64   `json:"log_id,omitempty"`
	Running   bool    `json:"running"`
	Tag       string  `json:"tag,omitempty"`
}

// DataJob is the persistent DB anchor row; all rows a job writes cascade
// delete with it.
type DataJob struct {
	ID        int64 `db:"id"`
	Completed bool  `db:"completed"`
}

// DataLog is the append-only progress/timing row paired with a DataJob.
type DataLog struct {
	ID                int64   `db:"id"`
	DataJobID         *int64  `db:"data_job_id"`
	SetterName        string  `db:"setter_name"`
	StartTime         int64   `db:"start_time"`
	EndTime           *int64  `db:"end_time"`
	ItemsProcessed    int     `db:"items_processed"`
	TextsProcessed    int     `db:"texts_processed"`
	ItemsFailed       int     `db:"items_failed"`
	ItemsRemaining    int     `db:"items_remaining"`
	DataLoadTimeMS    int64   `db:"data_load_time_ms"`
	InferenceTimeMS   int64   `db:"inference_time_ms"`
	Completed         bool    `db:"completed"`
	Batches           int     `db:"batches"`
}

// ItemData is a derived output of a model on an item (or on prior
// ItemData); the item_data hierarchy is a DAG of derived-from edges.
type ItemData struct {
	ID            int64  `db:"id"`
	ItemID        int64  `db:"item_id"`
	JobID         *int64 `db:"job_id"`
	SetterID      int64  `db:"setter_id"`
	DataType      string `db:"data_type"`
	Idx           int    `db:"idx"`
	SourceID      *int64 `db:"source_id"`
	IsOrigin      *bool  `db:"is_origin"`
	IsPlaceholder bool   `db:"is_placeholder"`
}
