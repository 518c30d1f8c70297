package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/fednlp/internal/doc"
	"github.com/hyperjump/fednlp/internal/metrics"
	"github.com/hyperjump/fednlp/internal/nlperr"
	"github.com/hyperjump/fednlp/internal/pipe"
	"github.com/hyperjump/fednlp/internal/worker"
)

// Client reaches a remote worker over HTTP. It implements worker.Peer; requests carry the
// calling worker's id in X-Worker-ID.
type Client struct {
	id        string
	base      string
	requester string
	http      *http.Client
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

// WithTimeout bounds every call.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.http = &http.Client{Timeout: d}
	}
}

// WithClientMetrics counts failed calls by kind.
func WithClientMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithClientLogger sets the logger.
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient returns a peer for the worker id served at baseURL, acting for requester.
func NewClient(id, baseURL, requester string, opts ...ClientOption) *Client {
	c := &Client{
		id:        id,
		base:      strings.TrimRight(baseURL, "/"),
		requester: requester,
		http:      &http.Client{Timeout: 30 * time.Second},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

func (c *Client) ID() string { return c.id }

func (c *Client) RegisterText(ctx context.Context, text string) (string, error) {
	var out idResponse
	err := c.do(ctx, "register_text", http.MethodPost, "/v1/texts", c.requester, textRequest{Text: text}, &out)
	return out.ID, err
}

func (c *Client) DeployState(ctx context.Context, st pipe.State) error {
	return c.do(ctx, "deploy_state", http.MethodPost, "/v1/states", c.requester, st, nil)
}

func (c *Client) FetchState(ctx context.Context, requester, pipeline, name string) (pipe.State, error) {
	var st pipe.State
	path := "/v1/states/" + url.PathEscape(pipeline) + "/" + url.PathEscape(name)
	err := c.do(ctx, "fetch_state", http.MethodGet, path, requester, nil, &st)
	return st, err
}

func (c *Client) DeployPipeline(ctx context.Context, def pipe.Definition) error {
	return c.do(ctx, "deploy_pipeline", http.MethodPost, "/v1/pipelines", c.requester, def, nil)
}

func (c *Client) FetchPipeline(ctx context.Context, name string) (pipe.Definition, error) {
	var def pipe.Definition
	err := c.do(ctx, "fetch_pipeline", http.MethodGet, "/v1/pipelines/"+url.PathEscape(name), c.requester, nil, &def)
	return def, err
}

func (c *Client) CreateSubpipeline(ctx context.Context, spec worker.SubpipelineSpec) (string, error) {
	var out idResponse
	err := c.do(ctx, "create_subpipeline", http.MethodPost, "/v1/subpipelines", c.requester, spec, &out)
	return out.ID, err
}

func (c *Client) Execute(ctx context.Context, req worker.ExecuteRequest) (worker.ExecuteResult, error) {
	var res worker.ExecuteResult
	path := "/v1/subpipelines/" + url.PathEscape(req.Subpipeline) + "/execute"
	err := c.do(ctx, "execute", http.MethodPost, path, c.requester, req, &res)
	return res, err
}

func (c *Client) TakeDocument(ctx context.Context, requester, id string) (doc.Snapshot, error) {
	var snap doc.Snapshot
	err := c.do(ctx, "take_document", http.MethodPost, "/v1/objects/"+url.PathEscape(id)+"/take", requester, nil, &snap)
	return snap, err
}

func (c *Client) Query(ctx context.Context, id string, q worker.Query) (worker.QueryResult, error) {
	var res worker.QueryResult
	err := c.do(ctx, "query", http.MethodPost, "/v1/objects/"+url.PathEscape(id)+"/query", c.requester, q, &res)
	return res, err
}

func (c *Client) Release(ctx context.Context, id string) error {
	return c.do(ctx, "release", http.MethodDelete, "/v1/objects/"+url.PathEscape(id), c.requester, nil, nil)
}

func (c *Client) Stats(ctx context.Context) (worker.Stats, error) {
	var s worker.Stats
	err := c.do(ctx, "stats", http.MethodGet, "/v1/stats", c.requester, nil, &s)
	return s, err
}

// Health checks that the worker answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, "health", http.MethodGet, "/health", c.requester, nil, nil)
}

func (c *Client) do(ctx context.Context, op, method, path, requester string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return c.fail(op, nlperr.KindUnreachable, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if requester != "" {
		req.Header.Set(HeaderWorkerID, requester)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return c.fail(op, nlperr.KindTimeout, err)
		}
		return c.fail(op, nlperr.KindUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var e errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			e.Error = resp.Status
		}
		werr := &wireError{msg: e.Error, sentinel: nlperr.FromCode(e.Kind)}
		switch resp.StatusCode {
		case http.StatusForbidden:
			return c.fail(op, nlperr.KindPermissionDenied, werr)
		case http.StatusBadGateway, http.StatusGatewayTimeout, http.StatusServiceUnavailable:
			return c.fail(op, nlperr.KindUnreachable, werr)
		default:
			return c.fail(op, nlperr.KindRejected, werr)
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return c.fail(op, nlperr.KindRejected, fmt.Errorf("decode %s response: %w", op, err))
	}
	return nil
}

func (c *Client) fail(op string, kind nlperr.Kind, err error) error {
	c.metrics.RemoteFailed(string(kind))
	c.logger.Debug("remote call failed", zap.String("worker", c.id), zap.String("op", op), zap.String("kind", string(kind)), zap.Error(err))
	return &nlperr.RemoteError{Kind: kind, Worker: c.id, Op: op, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// wireError is an error decoded from a response body. It unwraps to the sentinel named by the
// body's kind so errors.Is works across the wire.
type wireError struct {
	msg      string
	sentinel error
}

func (e *wireError) Error() string { return e.msg }

func (e *wireError) Unwrap() error { return e.sentinel }
