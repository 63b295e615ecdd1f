package index

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/paginator"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/resilience"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// Elastic reads and writes accommodation documents in one Elasticsearch
// index. Every call goes through a circuit breaker; an open breaker fails
// with ErrIndexUnavailable without touching the cluster.
type Elastic struct {
	client  *elasticsearch.Client
	index   string
	refresh bool
	breaker *resilience.CircuitBreaker
	metrics *metrics.Metrics
	logger  *slog.Logger
}

type ElasticOption func(*Elastic)

func WithMetrics(m *metrics.Metrics) ElasticOption {
	return func(e *Elastic) { e.metrics = m }
}

// WithBreaker overrides the default breaker settings. IsFailure and
// OnStateChange are always set by Elastic.
func WithBreaker(cfg resilience.CircuitBreakerConfig) ElasticOption {
	return func(e *Elastic) { e.breaker = e.newBreaker(cfg) }
}

// NewElastic builds the client from cfg. It does not contact the cluster;
// call Ping or EnsureIndex for that.
func NewElastic(cfg config.ElasticsearchConfig, opts ...ElasticOption) (*Elastic, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		// Retries are owned by the sync workers.
		DisableRetry: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating elasticsearch client: %w", err)
	}
	e := &Elastic{
		client:  client,
		index:   cfg.Index,
		refresh: cfg.Refresh,
		logger:  slog.Default().With("component", "index-writer", "index", cfg.Index),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.breaker == nil {
		e.breaker = e.newBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold:    5,
			HalfOpenMaxRequests: 1,
		})
	}
	return e, nil
}

func (e *Elastic) newBreaker(cfg resilience.CircuitBreakerConfig) *resilience.CircuitBreaker {
	cfg.IsFailure = func(err error) bool { return errors.Is(err, apperrors.ErrIndexUnavailable) }
	cfg.OnStateChange = func(name string, s resilience.State) {
		e.metrics.BreakerState(name, int(s))
	}
	return resilience.NewCircuitBreaker("elasticsearch", cfg)
}

// Upsert writes d in full under its id. A positive d.Version is sent as an
// external_gte version: the index refuses it with ErrVersionConflict when it
// already holds a document projected from a newer store version.
func (e *Elastic) Upsert(ctx context.Context, d Document) error {
	body, err := d.Canonical()
	if err != nil {
		return err
	}
	opts := []func(*esapi.IndexRequest){
		e.client.Index.WithContext(ctx),
		e.client.Index.WithDocumentID(docID(d.ID)),
		e.client.Index.WithRefresh(e.refreshParam()),
	}
	if d.Version > 0 {
		opts = append(opts,
			e.client.Index.WithVersion(int(d.Version)),
			e.client.Index.WithVersionType("external_gte"),
		)
	}
	err = e.do("upsert", func() error {
		res, err := e.client.Index(e.index, bytes.NewReader(body), opts...)
		if err != nil {
			return transportError(err)
		}
		defer drain(res)
		if res.IsError() {
			return statusError(res, "upserting document "+docID(d.ID))
		}
		return nil
	})
	if err == nil {
		e.logger.Debug("document upserted", "entity_id", d.ID)
	}
	return err
}

// Delete removes the document for id. Deleting an absent document succeeds.
func (e *Elastic) Delete(ctx context.Context, id int64) error {
	return e.do("delete", func() error {
		res, err := e.client.Delete(e.index, docID(id),
			e.client.Delete.WithContext(ctx),
			e.client.Delete.WithRefresh(e.refreshParam()),
		)
		if err != nil {
			return transportError(err)
		}
		defer drain(res)
		if res.StatusCode == http.StatusNotFound {
			e.logger.Debug("delete of absent document", "entity_id", id)
			return nil
		}
		if res.IsError() {
			return statusError(res, "deleting document "+docID(id))
		}
		return nil
	})
}

type getResponse struct {
	Found  bool            `json:"found"`
	Source json.RawMessage `json:"_source"`
}

func (e *Elastic) Get(ctx context.Context, id int64) (Document, error) {
	var doc Document
	err := e.do("get", func() error {
		res, err := e.client.Get(e.index, docID(id), e.client.Get.WithContext(ctx))
		if err != nil {
			return transportError(err)
		}
		defer drain(res)
		if res.StatusCode == http.StatusNotFound {
			return fmt.Errorf("document %d: %w", id, apperrors.ErrDocumentNotFound)
		}
		if res.IsError() {
			return statusError(res, "getting document "+docID(id))
		}
		var body getResponse
		if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
			return fmt.Errorf("decoding document %d: %w", id, err)
		}
		if !body.Found {
			return fmt.Errorf("document %d: %w", id, apperrors.ErrDocumentNotFound)
		}
		return json.Unmarshal(body.Source, &doc)
	})
	return doc, err
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Source json.RawMessage `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// ListAfter pages through the index by id using search_after.
func (e *Elastic) ListAfter(ctx context.Context, q paginator.Query) ([]Document, error) {
	order := "asc"
	if q.Direction == paginator.Desc {
		order = "desc"
	}
	query := map[string]any{
		"size":  q.Limit,
		"query": map[string]any{"match_all": map[string]any{}},
		"sort":  []any{map[string]any{"id": map[string]any{"order": order}}},
	}
	if !q.Start() {
		query["search_after"] = []int64{q.After}
	}
	data, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("marshaling search: %w", err)
	}

	var docs []Document
	err = e.do("list", func() error {
		res, err := e.client.Search(
			e.client.Search.WithContext(ctx),
			e.client.Search.WithIndex(e.index),
			e.client.Search.WithBody(bytes.NewReader(data)),
		)
		if err != nil {
			return transportError(err)
		}
		defer drain(res)
		if res.IsError() {
			return statusError(res, "listing documents")
		}
		var result searchResponse
		if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
			return fmt.Errorf("decoding search response: %w", err)
		}
		docs = make([]Document, 0, len(result.Hits.Hits))
		for _, hit := range result.Hits.Hits {
			var d Document
			if err := json.Unmarshal(hit.Source, &d); err != nil {
				e.logger.Warn("skipping undecodable hit", "error", err)
				continue
			}
			docs = append(docs, d)
		}
		return nil
	})
	return docs, err
}

// EnsureIndex creates the index with an explicit mapping unless it exists.
func (e *Elastic) EnsureIndex(ctx context.Context) error {
	return e.do("ensure_index", func() error {
		res, err := e.client.Indices.Exists([]string{e.index}, e.client.Indices.Exists.WithContext(ctx))
		if err != nil {
			return transportError(err)
		}
		drain(res)
		if res.StatusCode == http.StatusOK {
			return nil
		}

		mapping, err := json.Marshal(indexMapping())
		if err != nil {
			return fmt.Errorf("marshaling mapping: %w", err)
		}
		res, err = e.client.Indices.Create(e.index,
			e.client.Indices.Create.WithContext(ctx),
			e.client.Indices.Create.WithBody(bytes.NewReader(mapping)),
		)
		if err != nil {
			return transportError(err)
		}
		defer drain(res)
		if res.StatusCode == http.StatusBadRequest {
			var body errorResponse
			if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
				return fmt.Errorf("creating index: status 400: %w", err)
			}
			if body.Error.Type == "resource_already_exists_exception" {
				e.logger.Debug("index created concurrently")
				return nil
			}
			return fmt.Errorf("creating index: %s: %s", body.Error.Type, body.Error.Reason)
		}
		if res.IsError() {
			return statusError(res, "creating index")
		}
		e.logger.Info("index created")
		return nil
	})
}

// Ping checks cluster reachability for readiness probes.
func (e *Elastic) Ping(ctx context.Context) error {
	res, err := e.client.Ping(e.client.Ping.WithContext(ctx))
	if err != nil {
		return transportError(err)
	}
	defer drain(res)
	if res.IsError() {
		return statusError(res, "ping")
	}
	return nil
}

func (e *Elastic) do(op string, fn func() error) error {
	err := e.breaker.Execute(fn)
	if errors.Is(err, resilience.ErrCircuitOpen) {
		err = fmt.Errorf("%s: %w: %v", op, apperrors.ErrIndexUnavailable, err)
	}
	e.metrics.IndexWrite(op, outcome(err))
	return err
}

func (e *Elastic) refreshParam() string {
	if e.refresh {
		return "true"
	}
	return "false"
}

func indexMapping() map[string]any {
	amenities := make(map[string]any, len(amenityTypes))
	for _, t := range amenityTypes {
		amenities[string(t)] = map[string]any{"type": "integer"}
	}
	return map[string]any{
		"mappings": map[string]any{
			"dynamic": "strict",
			"properties": map[string]any{
				"id": map[string]any{"type": "long"},
				"name": map[string]any{
					"type":   "text",
					"fields": map[string]any{"keyword": map[string]any{"type": "keyword", "ignore_above": 256}},
				},
				"thumbnail_url":  map[string]any{"type": "keyword", "index": false},
				"average_rating": map[string]any{"type": "double"},
				"amenities":      map[string]any{"properties": amenities},
			},
		},
	}
}

func docID(id int64) string {
	return strconv.FormatInt(id, 10)
}

type errorResponse struct {
	Error struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

func transportError(err error) error {
	return fmt.Errorf("%w: %v", apperrors.ErrIndexUnavailable, err)
}

// statusError classifies an error response: 409 is a version conflict,
// 429 and 5xx are transient unavailability, the rest are permanent.
func statusError(res *esapi.Response, op string) error {
	switch {
	case res.StatusCode == http.StatusConflict:
		return fmt.Errorf("%s: %w", op, apperrors.ErrVersionConflict)
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return fmt.Errorf("%s: %w: status %d", op, apperrors.ErrIndexUnavailable, res.StatusCode)
	default:
		return fmt.Errorf("%s: elasticsearch error: %s", op, res.String())
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, apperrors.ErrDocumentNotFound):
		return "not_found"
	case errors.Is(err, apperrors.ErrVersionConflict):
		return "conflict"
	case errors.Is(err, apperrors.ErrIndexUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

func drain(res *esapi.Response) {
	if res.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, res.Body)
	res.Body.Close()
}
