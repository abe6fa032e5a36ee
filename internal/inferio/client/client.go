// Package client implements the Distributed Client (DC): a weighted
// sharding, concurrent-dispatch HTTP client that fans a predict batch out
// across N Inference Host endpoints and reassembles the results in
// original order, per spec.md §4.5. This is a near-literal port of the
// Python distributed_api_client.py's _shard_batch/predict/_all_or_ignore/
// _first_alive functions.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/reasv/panoptikon-go/internal/inferio/plugin"
	"github.com/reasv/panoptikon-go/log"
	"github.com/reasv/panoptikon-go/schema"
)

var logger = log.Default().With("inferio.client")

const (
	defaultMaxAttempts = 4
	defaultBaseDelay   = 200 * time.Millisecond
)

// Endpoint is one Inference Host instance this client can shard work to.
type Endpoint struct {
	BaseURL string
	Weight  float64
}

// Client fans a predict batch out across N endpoints weighted by Endpoint.Weight.
type Client struct {
	endpoints []Endpoint
	weights   []float64
	hc        *http.Client
}

// New constructs a Client over endpoints, normalizing weights to fractions
// summing to 1 (spec.md §4.5: "weights w_i > 0; normalized to fractions").
func New(endpoints []Endpoint) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("client: at least one endpoint is required")
	}
	total := 0.0
	for _, e := range endpoints {
		if e.Weight <= 0 {
			return nil, fmt.Errorf("client: endpoint %s has non-positive weight %v", e.BaseURL, e.Weight)
		}
		total += e.Weight
	}
	weights := make([]float64, len(endpoints))
	for i, e := range endpoints {
		weights[i] = e.Weight / total
	}
	return &Client{endpoints: endpoints, weights: weights, hc: &http.Client{Timeout: 60 * time.Second}}, nil
}

// Predict is spec.md §4.5's predict: shard, dispatch concurrently, retry
// failed shards on healthy endpoints, reassemble in original order.
func (c *Client) Predict(ctx context.Context, id schema.InferenceId, cacheKey string, lruSize, ttlSeconds int, inputs []plugin.PredictionInput) ([]any, error) {
	n := len(inputs)
	if n == 0 {
		return nil, nil
	}
	if len(c.endpoints) == 1 {
		return c.predictOn(ctx, 0, id, cacheKey, lruSize, ttlSeconds, inputs)
	}

	sizes := shardSizes(n, c.weights)
	offsets := shardOffsets(sizes)

	outputs := make([]any, n)
	shardErr := make([]error, len(c.endpoints))

	g, gctx := errgroup.WithContext(ctx)
	for i, size := range sizes {
		if size == 0 {
			continue
		}
		i, size := i, size
		start := offsets[i]
		shard := inputs[start : start+size]
		g.Go(func() error {
			out, err := c.predictOn(gctx, i, id, cacheKey, lruSize, ttlSeconds, shard)
			if err != nil {
				shardErr[i] = err
				return nil // collected, not propagated: siblings must keep running
			}
			copy(outputs[start:start+size], out)
			return nil
		})
	}
	_ = g.Wait()

	for i, size := range sizes {
		if size == 0 || shardErr[i] == nil {
			continue
		}
		start := offsets[i]
		shard := inputs[start : start+size]
		out, err := c.retryOnHealthy(ctx, i, id, cacheKey, lruSize, ttlSeconds, shard)
		if err != nil {
			return nil, fmt.Errorf("client: shard for endpoint %d failed after retry: %w", i, err)
		}
		copy(outputs[start:start+size], out)
	}

	return outputs, nil
}

// retryOnHealthy retries a failed shard against every other endpoint in
// round-robin order starting just after the one that failed, per spec.md
// §4.5 step 4.
func (c *Client) retryOnHealthy(ctx context.Context, failedIdx int, id schema.InferenceId, cacheKey string, lruSize, ttlSeconds int, shard []plugin.PredictionInput) ([]any, error) {
	var lastErr error
	for offset := 1; offset < len(c.endpoints); offset++ {
		idx := (failedIdx + offset) % len(c.endpoints)
		out, err := c.predictOn(ctx, idx, id, cacheKey, lruSize, ttlSeconds, shard)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) predictOn(ctx context.Context, endpointIdx int, id schema.InferenceId, cacheKey string, lruSize, ttlSeconds int, inputs []plugin.PredictionInput) ([]any, error) {
	ep := c.endpoints[endpointIdx]
	body, contentType, err := encodePredictRequest(inputs)
	if err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/predict/%s/%s?%s", ep.BaseURL, url.PathEscape(id.Group), url.PathEscape(id.LocalID),
		url.Values{
			"cache_key":   {cacheKey},
			"lru_size":    {strconv.Itoa(lruSize)},
			"ttl_seconds": {strconv.Itoa(ttlSeconds)},
		}.Encode())

	resp, err := doWithBackoff(ctx, c.hc, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, u, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		return req, nil
	}, defaultMaxAttempts, defaultBaseDelay)
	if err != nil {
		return nil, fmt.Errorf("predict on %s: %w", ep.BaseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("predict on %s: status %d: %s", ep.BaseURL, resp.StatusCode, data)
	}
	return decodePredictResponse(resp)
}

// LoadModel fires PUT /load on every endpoint concurrently and succeeds if
// any one does ("all-or-ignore": raise only if all fail), per spec.md §4.5.
func (c *Client) LoadModel(ctx context.Context, id schema.InferenceId, cacheKey string, lruSize, ttlSeconds int) error {
	return c.allOrIgnore(ctx, func(ep Endpoint) error {
		u := fmt.Sprintf("%s/load/%s/%s?%s", ep.BaseURL, url.PathEscape(id.Group), url.PathEscape(id.LocalID),
			url.Values{"cache_key": {cacheKey}, "lru_size": {strconv.Itoa(lruSize)}, "ttl_seconds": {strconv.Itoa(ttlSeconds)}}.Encode())
		return c.fireAndForget(ctx, http.MethodPut, u)
	})
}

// UnloadModel is the all-or-ignore DELETE /cache/{cache_key}/{group}/{id}.
func (c *Client) UnloadModel(ctx context.Context, cacheKey string, id schema.InferenceId) error {
	return c.allOrIgnore(ctx, func(ep Endpoint) error {
		u := fmt.Sprintf("%s/cache/%s/%s/%s", ep.BaseURL, url.PathEscape(cacheKey), url.PathEscape(id.Group), url.PathEscape(id.LocalID))
		return c.fireAndForget(ctx, http.MethodDelete, u)
	})
}

// ClearCache is the all-or-ignore DELETE /cache/{cache_key}.
func (c *Client) ClearCache(ctx context.Context, cacheKey string) error {
	return c.allOrIgnore(ctx, func(ep Endpoint) error {
		u := fmt.Sprintf("%s/cache/%s", ep.BaseURL, url.PathEscape(cacheKey))
		return c.fireAndForget(ctx, http.MethodDelete, u)
	})
}

func (c *Client) allOrIgnore(ctx context.Context, call func(Endpoint) error) error {
	results := make([]error, len(c.endpoints))
	var g errgroup.Group
	for i, ep := range c.endpoints {
		i, ep := i, ep
		g.Go(func() error {
			results[i] = call(ep)
			return nil
		})
	}
	_ = g.Wait()

	anyOK := false
	for _, err := range results {
		if err == nil {
			anyOK = true
			break
		}
	}
	if anyOK {
		return nil
	}
	return fmt.Errorf("client: all %d endpoints failed: %v", len(c.endpoints), results[0])
}

func (c *Client) fireAndForget(ctx context.Context, method, u string) error {
	resp, err := doWithBackoff(ctx, c.hc, func() (*http.Request, error) {
		return http.NewRequest(method, u, nil)
	}, defaultMaxAttempts, defaultBaseDelay)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// GetCachedModels is the "first alive" GET /cache: try endpoints in
// declared order, return the first success.
func (c *Client) GetCachedModels(ctx context.Context) (map[string][]string, error) {
	var out map[string][]string
	err := c.firstAlive(ctx, func(ep Endpoint) error {
		body, err := c.getJSON(ctx, ep.BaseURL+"/cache")
		if err != nil {
			return err
		}
		var parsed struct {
			Cache map[string][]string `json:"cache"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return err
		}
		out = parsed.Cache
		return nil
	})
	return out, err
}

// GetMetadata is the "first alive" GET /metadata.
func (c *Client) GetMetadata(ctx context.Context) (map[string]map[string]schema.ModelMetadata, error) {
	var out map[string]map[string]schema.ModelMetadata
	err := c.firstAlive(ctx, func(ep Endpoint) error {
		body, err := c.getJSON(ctx, ep.BaseURL+"/metadata")
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &out)
	})
	return out, err
}

func (c *Client) firstAlive(ctx context.Context, call func(Endpoint) error) error {
	var lastErr error
	for _, ep := range c.endpoints {
		if err := call(ep); err != nil {
			lastErr = err
			logger.Warnf("endpoint %s unavailable, trying next: %v", ep.BaseURL, err)
			continue
		}
		return nil
	}
	return fmt.Errorf("client: no endpoint alive: %w", lastErr)
}

func (c *Client) getJSON(ctx context.Context, u string) ([]byte, error) {
	resp, err := doWithBackoff(ctx, c.hc, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, u, nil)
	}, defaultMaxAttempts, defaultBaseDelay)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// encodePredictRequest mirrors internal/inferio/ingress's parsePredictRequest
// in reverse: a JSON `data` field plus one binary part per non-nil File,
// named by decimal input index.
func encodePredictRequest(inputs []plugin.PredictionInput) (body []byte, contentType string, err error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	rawInputs := make([]any, len(inputs))
	for i, in := range inputs {
		rawInputs[i] = in.Data
	}
	payload, err := json.Marshal(map[string]any{"inputs": rawInputs})
	if err != nil {
		return nil, "", err
	}
	if err := mw.WriteField("data", string(payload)); err != nil {
		return nil, "", err
	}

	for i, in := range inputs {
		if in.File == nil {
			continue
		}
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Disposition": {fmt.Sprintf(`attachment; filename="%d"`, i)},
			"Content-Type":        {"application/octet-stream"},
		})
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(in.File); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

// decodePredictResponse mirrors ingress's encodePredictResponse in reverse,
// handling all three shapes described in spec.md §4.4.
func decodePredictResponse(resp *http.Response) ([]any, error) {
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("parse content-type: %w", err)
	}

	switch {
	case mediaType == "application/octet-stream":
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return []any{data}, nil

	case mediaType == "multipart/mixed":
		mr := multipart.NewReader(resp.Body, params["boundary"])
		var outputs []any
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, err
			}
			data, err := io.ReadAll(part)
			if err != nil {
				return nil, err
			}
			outputs = append(outputs, data)
		}
		return outputs, nil

	default:
		var parsed struct {
			Outputs []json.RawMessage `json:"outputs"`
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, err
		}
		outputs := make([]any, len(parsed.Outputs))
		for i, raw := range parsed.Outputs {
			var wrapped struct {
				Type    string `json:"__type__"`
				Content string `json:"content"`
			}
			if json.Unmarshal(raw, &wrapped) == nil && wrapped.Type == "base64" {
				decoded, err := base64.StdEncoding.DecodeString(wrapped.Content)
				if err != nil {
					return nil, err
				}
				outputs[i] = decoded
				continue
			}
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, err
			}
			outputs[i] = v
		}
		return outputs, nil
	}
}
