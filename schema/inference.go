// Package schema holds the semantic data-model types shared across
// Panoptikon's components: inference identity and configuration, job
// lifecycle records, and item-data/PQL marker types.
package schema

import (
	"fmt"
	"strings"
	"time"
)

// InferenceId uniquely addresses a model as "group/local_id" as described
// in the data model: "InferenceId = group_name/local_id. Unique globally."
type InferenceId struct {
	Group   string
	LocalID string
}

func NewInferenceId(group, localID string) InferenceId {
	return InferenceId{Group: group, LocalID: localID}
}

// ParseInferenceId parses a "group/local_id" string.
func ParseInferenceId(s string) (InferenceId, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return InferenceId{}, fmt.Errorf("invalid inference id %q: want \"group/local_id\"", s)
	}
	return InferenceId{Group: parts[0], LocalID: parts[1]}, nil
}

func (id InferenceId) String() string {
	return id.Group + "/" + id.LocalID
}

func (id InferenceId) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *InferenceId) UnmarshalText(b []byte) error {
	parsed, err := ParseInferenceId(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// OutputType enumerates the model output shapes recognized by the
// extraction engine's typed output handlers.
type OutputType string

const (
	OutputTags          OutputType = "tags"
	OutputText          OutputType = "text"
	OutputClip          OutputType = "clip"
	OutputTextEmbedding OutputType = "text-embedding"
)

// TargetEntity enumerates what level of the index a model operates on.
type TargetEntity string

const (
	TargetItems TargetEntity = "items"
	TargetText  TargetEntity = "text"
	TargetTags  TargetEntity = "tags"
)

// ModelConfig is the impl_class/impl_args configuration for a model plus
// deployment hints, as read from the Config Registry. It is immutable per
// reload; CR replaces the whole map atomically.
type ModelConfig struct {
	ImplClass string         `toml:"impl_class" json:"impl_class"`
	ImplArgs  map[string]any `toml:"impl_args" json:"impl_args"`

	MaxBatchSize    int     `toml:"max_batch" json:"max_batch,omitempty"`
	BatchWaitMillis int     `toml:"batch_wait_ms" json:"batch_wait_ms,omitempty"`
	MinReplicas     int     `toml:"min_replicas" json:"min_replicas,omitempty"`
	MaxReplicas     int     `toml:"max_replicas" json:"max_replicas,omitempty"`
	NumCPUs         float64 `toml:"num_cpus" json:"num_cpus,omitempty"`
	NumGPUs         float64 `toml:"num_gpus" json:"num_gpus,omitempty"`
	TimeoutSeconds  int     `toml:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

// ModelMetadata is the subset of configuration visible to external callers.
type ModelMetadata struct {
	Group              string         `json:"group"`
	InferenceID        string         `json:"inference_id"`
	InputHandler       string         `json:"input_handler"`
	InputHandlerOpts   map[string]any `json:"input_handler_opts,omitempty"`
	OutputType         OutputType     `json:"output_type"`
	DefaultBatchSize   int            `json:"default_batch_size"`
	DefaultThreshold   float64        `json:"default_threshold"`
	InputMimeTypes     []string       `json:"input_mime_types,omitempty"`
	TargetEntities     []TargetEntity `json:"target_entities"`
	Description        string         `json:"description,omitempty"`
	Link               string         `json:"link,omitempty"`
	InputQuery         map[string]any `json:"input_query,omitempty"`
}

// never is the sentinel "no TTL" expiration time: far enough in the future
// to never trip a `time.Now().After` TTL check.
var never = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// Never returns the sentinel expiration timestamp used when ttl_seconds<0.
func Never() time.Time { return never }

// IsNever reports whether t is the "no expiry" sentinel.
func IsNever(t time.Time) bool { return t.Equal(never) }

// CacheEntry is a (cache_key, inference_id, expires_at) tuple.
type CacheEntry struct {
	CacheKey    string
	InferenceID InferenceId
	ExpiresAt   time.Time
}
