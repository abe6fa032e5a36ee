package repository

import (
	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/reasv/panoptikon-go/schema"
)

// ItemDataRepository persists the per-item derived outputs a model
// produces (or the placeholder row recording "processed, no output"), per
// spec.md §3's ItemData and §4.7 step 5.
type ItemDataRepository struct {
	DB sqlx.Ext
}

// InsertOutput inserts one item_data row for a produced output unit. When
// sourceID is non-nil the row is derived from a prior item_data row
// (the DAG edge described in Design Notes §9 "Cyclic references").
func (r *ItemDataRepository) InsertOutput(jobID, itemID, setterID int64, dataType string, idx int, sourceID *int64, isOrigin *bool) (int64, error) {
	res, err := sq.Insert("item_data").
		Columns("item_id", "job_id", "setter_id", "data_type", "idx", "source_id", "is_origin", "is_placeholder").
		Values(itemID, jobID, setterID, dataType, idx, sourceID, isOrigin, false).
		RunWith(r.DB).Exec()
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// InsertPlaceholder records that an item was sent to inference and
// produced zero outputs, so it is not reprocessed. Per SPEC_FULL.md §11,
// this must only ever be called for items that were actually sent to
// inference, never for items the input handler itself dropped.
func (r *ItemDataRepository) InsertPlaceholder(jobID, itemID, setterID int64, dataType string) (int64, error) {
	res, err := sq.Insert("item_data").
		Columns("item_id", "job_id", "setter_id", "data_type", "idx", "is_placeholder").
		Values(itemID, jobID, setterID, dataType, 0, true).
		RunWith(r.DB).Exec()
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// InsertExtractedText inserts the extracted_text row FK'd to an item_data
// row produced by InsertOutput.
func (r *ItemDataRepository) InsertExtractedText(itemDataID int64, t schema.ExtractedText) error {
	_, err := sq.Insert("extracted_text").
		Columns("id", "language", "language_confidence", "confidence", "text", "text_length").
		Values(itemDataID, t.Language, t.LanguageConfidence, t.Confidence, t.Text, len([]rune(t.Text))).
		RunWith(r.DB).Exec()
	return err
}

// InsertEmbedding inserts the embeddings row FK'd to an item_data row.
func (r *ItemDataRepository) InsertEmbedding(itemDataID int64, vec []byte) error {
	_, err := sq.Insert("embeddings").
		Columns("id", "embedding").
		Values(itemDataID, vec).
		RunWith(r.DB).Exec()
	return err
}

// InsertTag inserts (or confidence-upgrades) a tag association for an item.
func (r *ItemDataRepository) InsertTag(itemID, setterID int64, namespace, name string, confidence float64) error {
	var tagID int64
	err := sq.Select("id").From("tags").Where(sq.Eq{"namespace": namespace, "name": name}).
		RunWith(r.DB).QueryRow().Scan(&tagID)
	if err != nil {
		res, insErr := sq.Insert("tags").Columns("namespace", "name").Values(namespace, name).
			RunWith(r.DB).Exec()
		if insErr != nil {
			return insErr
		}
		tagID, err = res.LastInsertId()
		if err != nil {
			return err
		}
	}

	_, err = sq.Insert("tags_items").
		Columns("item_id", "tag_id", "setter_id", "confidence").
		Values(itemID, tagID, setterID, confidence).
		Suffix("ON CONFLICT(item_id, tag_id, setter_id) DO UPDATE SET confidence = excluded.confidence").
		RunWith(r.DB).Exec()
	return err
}

// HasBeenProcessed reports whether an item already has a (possibly
// placeholder) item_data row for this setter+data_type.
func (r *ItemDataRepository) HasBeenProcessed(itemID, setterID int64, dataType string) (bool, error) {
	var n int
	err := sq.Select("count(*)").From("item_data").
		Where(sq.Eq{"item_id": itemID, "setter_id": setterID, "data_type": dataType}).
		RunWith(r.DB).QueryRow().Scan(&n)
	return n > 0, err
}
