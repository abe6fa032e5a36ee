package schema

// Item is a row of the `items` table: one physical piece of content,
// addressed by content hash, independent of where it lives on disk.
type Item struct {
	ID              int64    `db:"id"`
	SHA256          string   `db:"sha256"`
	MD5             string   `db:"md5"`
	Type            string   `db:"type"`
	Size            int64    `db:"size"`
	Width           int      `db:"width"`
	Height          int      `db:"height"`
	Duration        float64  `db:"duration"`
	AudioTracks     int      `db:"audio_tracks"`
	VideoTracks     int      `db:"video_tracks"`
	SubtitleTracks  int      `db:"subtitle_tracks"`
	TimeAdded       string   `db:"time_added"`
	Blurhash        string   `db:"blurhash"`
}

// File is a row of the `files` table: a filesystem path pointing at an item.
type File struct {
	ID           int64  `db:"id"`
	SHA256       string `db:"sha256"`
	ItemID       int64  `db:"item_id"`
	Path         string `db:"path"`
	Filename     string `db:"filename"`
	LastModified string `db:"last_modified"`
	ScanID       int64  `db:"scan_id"`
	Available    bool   `db:"available"`
}

// Setter is a row of the `setters` table: the named identity of whatever
// produced an ItemData row (usually an inference_id).
type Setter struct {
	ID   int64  `db:"id"`
	Name string `db:"name"`
}

// ExtractedText is a row of the `extracted_text` table, FK'd to the
// ItemData row that produced it.
type ExtractedText struct {
	ID                 int64   `db:"id"`
	Language           string  `db:"language"`
	LanguageConfidence float64 `db:"language_confidence"`
	Confidence         float64 `db:"confidence"`
	Text               string  `db:"text"`
	TextLength         int     `db:"text_length"`
}

// Embedding is a row of the `embeddings` table, FK'd to the ItemData row
// that produced it. Embedding is stored as a little-endian float32 blob.
type Embedding struct {
	ID        int64  `db:"id"`
	Embedding []byte `db:"embedding"`
}

// Tag and TagItem back the `tags`/`tags_items` tables.
type Tag struct {
	ID         int64  `db:"id"`
	Namespace  string `db:"namespace"`
	Name       string `db:"name"`
}

type TagItem struct {
	ItemID     int64   `db:"item_id"`
	TagID      int64   `db:"tag_id"`
	SetterID   int64   `db:"setter_id"`
	Confidence float64 `db:"confidence"`
}

// SearchResult is the typed row shape the Search Runner maps compiled-query
// rows onto; unrecognized SELECTed columns (SortableFilter `select_as`
// aliases, plus the text-entity `text`/`language` columns) fall under Extra.
type SearchResult struct {
	FileID       int64          `json:"file_id" db:"file_id"`
	ItemID       int64          `json:"item_id" db:"item_id"`
	DataID       *int64         `json:"data_id,omitempty" db:"data_id"`
	Path         string         `json:"path" db:"path"`
	SHA256       string         `json:"sha256" db:"sha256"`
	Type         string         `json:"type" db:"type"`
	LastModified string         `json:"last_modified" db:"last_modified"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// ScanSearchResult builds a SearchResult from a MapScan'd compiled-query
// row (sqlx.Rows.MapScan's map[string]any), the shape both the extraction
// engine's discovery cursor and the search runner read compiled pql.Query
// output through. Unrecognized keys (SortableFilter select_as aliases, or
// the text-entity text/language columns) land in Extra.
func ScanSearchResult(row map[string]any) SearchResult {
	sr := SearchResult{Extra: map[string]any{}}
	for k, v := range row {
		switch k {
		case "file_id":
			sr.FileID, _ = asInt64(v)
		case "item_id":
			sr.ItemID, _ = asInt64(v)
		case "data_id":
			if v != nil {
				if id, ok := asInt64(v); ok {
					sr.DataID = &id
				}
			}
		case "path":
			sr.Path, _ = v.(string)
		case "sha256":
			sr.SHA256, _ = v.(string)
		case "type":
			sr.Type, _ = v.(string)
		case "last_modified":
			sr.LastModified, _ = v.(string)
		default:
			sr.Extra[k] = v
		}
	}
	return sr
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
