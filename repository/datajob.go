package repository

import (
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/reasv/panoptikon-go/schema"
)

var ErrNotFound = errors.New("no such row")

// DataJobRepository owns the data_jobs/data_log lifecycle that anchors a
// single extraction-engine run, per spec.md §4.7 step 2 and §3's
// "DataJob ... all rows written by that job cascade-delete with it."
type DataJobRepository struct {
	DB *sqlx.DB
}

// RemoveIncomplete deletes any data_jobs row for setterName that was never
// marked completed, cascading its item_data/extracted_text/embeddings rows
// along with it, and nulling out the matching data_log row's FK. This is
// the cleanup spec.md §4.7 step 2 and §8's worker-isolation property
// require ("a subsequent job start removes the incomplete data_job and
// cascades its outputs").
func (r *DataJobRepository) RemoveIncomplete(setterName string) error {
	rows, err := sq.Select("dj.id").
		From("data_jobs dj").
		Join("data_log dl ON dl.data_job_id = dj.id").
		Where(sq.Eq{"dj.completed": false, "dl.setter_name": setterName}).
		RunWith(r.DB).Query()
	if err != nil {
		return err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if _, err := r.DB.Exec(`DELETE FROM data_jobs WHERE id = ?`, id); err != nil {
			return err
		}
	}
	return nil
}

// Start inserts a new data_jobs row and its paired data_log row, returning
// both ids (spec.md §4.7 step 2).
func (r *DataJobRepository) Start(setterName string, now time.Time) (jobID int64, logID int64, err error) {
	res, err := r.DB.Exec(`INSERT INTO data_jobs (completed) VALUES (0)`)
	if err != nil {
		return 0, 0, err
	}
	jobID, err = res.LastInsertId()
	if err != nil {
		return 0, 0, err
	}

	res, err = r.DB.Exec(`INSERT INTO data_log (data_job_id, setter_name, start_time, completed)
		VALUES (?, ?, ?, 0)`, jobID, setterName, now.Unix())
	if err != nil {
		return 0, 0, err
	}
	logID, err = res.LastInsertId()
	return jobID, logID, err
}

// UpdateProgress writes the running counters to data_log without marking
// it finished (spec.md §4.7 step 6).
func (r *DataJobRepository) UpdateProgress(logID int64, l schema.DataLog) error {
	_, err := sq.Update("data_log").
		Set("items_processed", l.ItemsProcessed).
		Set("texts_processed", l.TextsProcessed).
		Set("items_failed", l.ItemsFailed).
		Set("items_remaining", l.ItemsRemaining).
		Set("data_load_time_ms", l.DataLoadTimeMS).
		Set("inference_time_ms", l.InferenceTimeMS).
		Set("batches", l.Batches).
		Where("id = ?", logID).
		RunWith(r.DB).Exec()
	return err
}

// Finish marks both data_log.completed and data_jobs.completed true
// (spec.md §4.7 step 7).
func (r *DataJobRepository) Finish(jobID, logID int64, l schema.DataLog, now time.Time) error {
	tx, err := r.DB.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := sq.Update("data_log").
		Set("items_processed", l.ItemsProcessed).
		Set("texts_processed", l.TextsProcessed).
		Set("items_failed", l.ItemsFailed).
		Set("items_remaining", 0).
		Set("data_load_time_ms", l.DataLoadTimeMS).
		Set("inference_time_ms", l.InferenceTimeMS).
		Set("batches", l.Batches).
		Set("end_time", now.Unix()).
		Set("completed", true).
		Where("id = ?", logID).
		RunWith(tx).Exec(); err != nil {
		return err
	}

	if _, err := tx.Exec(`UPDATE data_jobs SET completed = 1 WHERE id = ?`, jobID); err != nil {
		return err
	}
	return tx.Commit()
}

// Get fetches a data_jobs row by id.
func (r *DataJobRepository) Get(id int64) (*schema.DataJob, error) {
	var dj schema.DataJob
	err := r.DB.Get(&dj, `SELECT id, completed FROM data_jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &dj, err
}

// DeleteByLogID implements the job_data_deletion job type: cascade-delete
// the data_jobs row (and hence its item_data/extracted_text/embeddings
// rows) that a given data_log row points to.
func (r *DataJobRepository) DeleteByLogID(logID int64) error {
	var jobID sql.NullInt64
	err := r.DB.Get(&jobID, `SELECT data_job_id FROM data_log WHERE id = ?`, logID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if !jobID.Valid {
		return nil // already cascaded / never had one
	}
	_, err = r.DB.Exec(`DELETE FROM data_jobs WHERE id = ?`, jobID.Int64)
	return err
}

// DeleteBySetter implements the data_deletion job type: removes every
// item_data row (and its derived rows) produced by a given setter name,
// regardless of which data_job wrote them.
func (r *DataJobRepository) DeleteBySetter(setterName string) error {
	_, err := r.DB.Exec(`
		DELETE FROM item_data WHERE setter_id IN (SELECT id FROM setters WHERE name = ?)
	`, setterName)
	return err
}
