package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stellarlinkco/mimic/internal/logger"
)

const (
	maxErrorBodyBytes = 1024
	scrollPageSize    = 256
)

// QdrantConfig configures the REST adapter.
type QdrantConfig struct {
	URL              string
	APIKey           string
	CollectionPrefix string
	Timeout          time.Duration
}

type Qdrant struct {
	log     *logger.Logger
	cfg     QdrantConfig
	baseURL string
	http    *http.Client
}

type qdrantEnvelope struct {
	Result json.RawMessage `json:"result"`
	Status json.RawMessage `json:"status"`
	Time   float64         `json:"time"`
}

type qdrantPoint struct {
	ID      json.RawMessage `json:"id"`
	Score   float64         `json:"score"`
	Payload map[string]any  `json:"payload"`
}

var _ Store = (*Qdrant)(nil)

func NewQdrant(log *logger.Logger, cfg QdrantConfig) (*Qdrant, error) {
	if log == nil {
		log = logger.Nop()
	}
	parsed, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, opErr("configure", OperationErrorValidation, fmt.Sprintf("invalid qdrant url %q", cfg.URL), err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	q := &Qdrant{
		log:     log.Named("qdrant"),
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
	return q, nil
}

// Ping checks /readyz.
func (q *Qdrant) Ping(ctx context.Context) error {
	const op = "ready"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, q.baseURL+"/readyz", nil)
	if err != nil {
		return opErr(op, OperationErrorTransportFailed, "build ready request failed", err)
	}
	q.authorize(req)
	resp, err := q.http.Do(req)
	if err != nil {
		return classifyCallError(op, "qdrant ready check failed", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &OperationError{Code: OperationErrorQueryFailed, Operation: op, StatusCode: resp.StatusCode,
			Message: fmt.Sprintf("qdrant ready check returned status=%d", resp.StatusCode)}
	}
	return nil
}

func (q *Qdrant) EnsureCollection(ctx context.Context, collection string, dim int) error {
	const op = "ensure_collection"
	if dim <= 0 {
		return opErr(op, OperationErrorValidation, "vector dimension must be positive", nil)
	}

	var info struct {
		Config struct {
			Params struct {
				Vectors struct {
					Size int `json:"size"`
				} `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
	}
	err := q.doJSON(ctx, op, http.MethodGet, q.collectionPath(collection, ""), nil, &info)
	if err == nil {
		if size := info.Config.Params.Vectors.Size; size != 0 && size != dim {
			return opErr(op, OperationErrorValidation,
				fmt.Sprintf("collection %q vector size mismatch: expected=%d actual=%d", q.qualify(collection), dim, size), nil)
		}
		return nil
	}
	var typed *OperationError
	if !errors.As(err, &typed) || typed.StatusCode != http.StatusNotFound {
		return err
	}

	create := map[string]any{"vectors": map[string]any{"size": dim, "distance": "Cosine"}}
	if err := q.doJSON(ctx, op, http.MethodPut, q.collectionPath(collection, ""), create, nil); err != nil {
		return err
	}
	for _, field := range []string{"session_id", "chat_id", "day", "kind"} {
		index := map[string]any{"field_name": field, "field_schema": "keyword"}
		if err := q.doJSON(ctx, op, http.MethodPut, q.collectionPath(collection, "/index?wait=true"), index, nil); err != nil {
			q.log.Warn("create payload index failed", "collection", q.qualify(collection), "field", field, "error", err)
		}
	}
	q.log.Info("collection created", "collection", q.qualify(collection), "vector_dim", dim)
	return nil
}

func (q *Qdrant) Upsert(ctx context.Context, collection string, points []Point) error {
	const op = "upsert"
	if len(points) == 0 {
		return nil
	}
	body := make([]map[string]any, 0, len(points))
	for _, p := range points {
		if strings.TrimSpace(p.ID) == "" {
			return opErr(op, OperationErrorValidation, "point id is required", nil)
		}
		if len(p.Vector) == 0 {
			return opErr(op, OperationErrorValidation, fmt.Sprintf("point %q has empty vector", p.ID), nil)
		}
		body = append(body, map[string]any{"id": p.ID, "vector": p.Vector, "payload": clonePayload(p.Payload)})
	}
	return q.doJSON(ctx, op, http.MethodPut, q.collectionPath(collection, "/points?wait=true"), map[string]any{"points": body}, nil)
}

func (q *Qdrant) Search(ctx context.Context, collection string, vector []float32, filter Filter, limit int, scoreThreshold float64) ([]ScoredPoint, error) {
	const op = "search"
	if len(vector) == 0 {
		return nil, opErr(op, OperationErrorValidation, "query vector required", nil)
	}
	if limit <= 0 {
		limit = 10
	}
	qf, err := filter.qdrantFilter()
	if err != nil {
		return nil, opErr(op, OperationErrorUnsupportedFilter, err.Error(), err)
	}
	req := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
		"with_vector":  false,
	}
	if qf != nil {
		req["filter"] = qf
	}
	if scoreThreshold > 0 {
		req["score_threshold"] = scoreThreshold
	}

	var raw []qdrantPoint
	if err := q.doJSON(ctx, op, http.MethodPost, q.collectionPath(collection, "/points/search"), req, &raw); err != nil {
		return nil, err
	}
	out := make([]ScoredPoint, 0, len(raw))
	for _, item := range raw {
		out = append(out, ScoredPoint{
			Point: Point{ID: decodePointID(item.ID), Payload: item.Payload},
			Score: item.Score,
		})
	}
	sortScored(out)
	return out, nil
}

func (q *Qdrant) Scroll(ctx context.Context, collection string, filter Filter, limit int) ([]Point, error) {
	const op = "scroll"
	qf, err := filter.qdrantFilter()
	if err != nil {
		return nil, opErr(op, OperationErrorUnsupportedFilter, err.Error(), err)
	}

	var (
		out    []Point
		offset json.RawMessage
	)
	for {
		page := scrollPageSize
		if limit > 0 && limit-len(out) < page {
			page = limit - len(out)
		}
		req := map[string]any{"limit": page, "with_payload": true, "with_vector": false}
		if qf != nil {
			req["filter"] = qf
		}
		if len(offset) > 0 {
			req["offset"] = offset
		}
		var result struct {
			Points         []qdrantPoint   `json:"points"`
			NextPageOffset json.RawMessage `json:"next_page_offset"`
		}
		if err := q.doJSON(ctx, op, http.MethodPost, q.collectionPath(collection, "/points/scroll"), req, &result); err != nil {
			return nil, err
		}
		for _, item := range result.Points {
			out = append(out, Point{ID: decodePointID(item.ID), Payload: item.Payload})
		}
		next := strings.TrimSpace(string(result.NextPageOffset))
		if next == "" || next == "null" || len(result.Points) == 0 || (limit > 0 && len(out) >= limit) {
			return out, nil
		}
		offset = result.NextPageOffset
	}
}

func (q *Qdrant) Delete(ctx context.Context, collection string, filter Filter) error {
	const op = "delete"
	qf, err := filter.qdrantFilter()
	if err != nil {
		return opErr(op, OperationErrorUnsupportedFilter, err.Error(), err)
	}
	if qf == nil {
		return opErr(op, OperationErrorValidation, "refusing to delete without a filter", nil)
	}
	return q.doJSON(ctx, op, http.MethodPost, q.collectionPath(collection, "/points/delete?wait=true"), map[string]any{"filter": qf}, nil)
}

func (q *Qdrant) DeleteIDs(ctx context.Context, collection string, ids []string) error {
	const op = "delete"
	if len(ids) == 0 {
		return nil
	}
	return q.doJSON(ctx, op, http.MethodPost, q.collectionPath(collection, "/points/delete?wait=true"), map[string]any{"points": ids}, nil)
}

func (q *Qdrant) Count(ctx context.Context, collection string, filter Filter) (int, error) {
	const op = "count"
	qf, err := filter.qdrantFilter()
	if err != nil {
		return 0, opErr(op, OperationErrorUnsupportedFilter, err.Error(), err)
	}
	req := map[string]any{"exact": true}
	if qf != nil {
		req["filter"] = qf
	}
	var result struct {
		Count int `json:"count"`
	}
	if err := q.doJSON(ctx, op, http.MethodPost, q.collectionPath(collection, "/points/count"), req, &result); err != nil {
		return 0, err
	}
	return result.Count, nil
}

func (q *Qdrant) Close() error {
	q.http.CloseIdleConnections()
	return nil
}

func (q *Qdrant) doJSON(ctx context.Context, op, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(in); err != nil {
			return opErr(op, OperationErrorEncodeFailed, "encode request failed", err)
		}
		body = &buf
	}

	req, err := http.NewRequestWithContext(ctx, method, q.baseURL+path, body)
	if err != nil {
		return opErr(op, OperationErrorTransportFailed, "build request failed", err)
	}
	req.Header.Set("Content-Type", "application/json")
	q.authorize(req)

	resp, err := q.http.Do(req)
	if err != nil {
		return classifyCallError(op, "qdrant request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return opErr(op, OperationErrorDecodeFailed, "read response failed", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &OperationError{
			Code:       OperationErrorQueryFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("qdrant http status=%d body=%q", resp.StatusCode, truncateBody(raw)),
		}
	}

	var envelope qdrantEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return opErr(op, OperationErrorDecodeFailed, "decode qdrant envelope failed", err)
	}
	if statusErr := parseEnvelopeStatus(envelope.Status); statusErr != "" {
		return &OperationError{Code: OperationErrorQueryFailed, Operation: op, StatusCode: resp.StatusCode, Message: statusErr}
	}
	if out == nil || len(envelope.Result) == 0 || string(envelope.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return opErr(op, OperationErrorDecodeFailed, "decode qdrant result failed", err)
	}
	return nil
}

func (q *Qdrant) authorize(req *http.Request) {
	if key := strings.TrimSpace(q.cfg.APIKey); key != "" {
		req.Header.Set("api-key", key)
	}
}

func (q *Qdrant) qualify(collection string) string {
	prefix := strings.TrimSpace(q.cfg.CollectionPrefix)
	if prefix == "" {
		return collection
	}
	return prefix + "_" + collection
}

func (q *Qdrant) collectionPath(collection, suffix string) string {
	return "/collections/" + url.PathEscape(q.qualify(collection)) + suffix
}

func parseEnvelopeStatus(raw json.RawMessage) string {
	status := strings.TrimSpace(string(raw))
	if status == "" || status == "null" {
		return ""
	}
	var statusString string
	if err := json.Unmarshal(raw, &statusString); err == nil {
		if strings.EqualFold(statusString, "ok") || strings.EqualFold(statusString, "acknowledged") {
			return ""
		}
		return fmt.Sprintf("qdrant status=%q", statusString)
	}
	var statusObject struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &statusObject); err == nil && strings.TrimSpace(statusObject.Error) != "" {
		return strings.TrimSpace(statusObject.Error)
	}
	return fmt.Sprintf("qdrant status=%s", status)
}

func decodePointID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var idString string
	if err := json.Unmarshal(raw, &idString); err == nil {
		return strings.TrimSpace(idString)
	}
	var idNumber int64
	if err := json.Unmarshal(raw, &idNumber); err == nil {
		return fmt.Sprintf("%d", idNumber)
	}
	return strings.TrimSpace(string(raw))
}

func truncateBody(raw []byte) string {
	if len(raw) <= maxErrorBodyBytes {
		return string(raw)
	}
	return string(raw[:maxErrorBodyBytes]) + "..."
}
