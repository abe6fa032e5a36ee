package pql

import "fmt"

// colInfo describes one column a ValueFilter can compare against: which
// joined table it lives on and whether reaching it requires the
// text-entity join (files -> item_data -> extracted_text -> setters)
// ahead of the filter chain, per spec.md §4.8's "Requesting a text column
// in a non-text entity query is a compile-time error."
type colInfo struct {
	table    string
	column   string
	textOnly bool
}

// columnTable is the Go port of the Python filters/kvfilters.py
// get_column() lookup plus its implicit file/item vs. extracted_text
// split (contains_text_columns).
var columnTable = map[string]colInfo{
	"path":          {"files", "path", false},
	"filename":      {"files", "filename", false},
	"sha256":        {"files", "sha256", false},
	"last_modified": {"files", "last_modified", false},

	"type":            {"items", "type", false},
	"size":            {"items", "size", false},
	"width":           {"items", "width", false},
	"height":          {"items", "height", false},
	"duration":        {"items", "duration", false},
	"time_added":      {"items", "time_added", false},
	"md5":             {"items", "md5", false},
	"audio_tracks":    {"items", "audio_tracks", false},
	"video_tracks":    {"items", "video_tracks", false},
	"subtitle_tracks": {"items", "subtitle_tracks", false},

	"language":            {"extracted_text", "language", true},
	"language_confidence": {"extracted_text", "language_confidence", true},
	"text":                {"extracted_text", "text", true},
	"confidence":          {"extracted_text", "confidence", true},
	"text_length":         {"extracted_text", "text_length", true},

	"job_id":      {"item_data", "job_id", true},
	"setter_id":   {"item_data", "setter_id", true},
	"source_id":   {"item_data", "source_id", true},
	"setter_name": {"setters", "name", true},
}

func lookupColumn(name string) (colInfo, error) {
	c, ok := columnTable[name]
	if !ok {
		return colInfo{}, fmt.Errorf("pql: unknown column %q", name)
	}
	return c, nil
}

// qualifiedColumnSQL returns the SQL reference for a column, given which
// joins the caller has already decided to include.
func qualifiedColumnSQL(c colInfo) string {
	return c.table + "." + c.column
}
