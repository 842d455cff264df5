package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/events"
	"github.com/driftsync/driftsync/internal/models"
)

// HTTPGateway is the reference Gateway implementation over a JSON
// document API. Every call is rate limited and transient failures are
// retried with backoff before they surface to the worker.
type HTTPGateway struct {
	client  *http.Client
	baseURL string
	token   string
	user    string
	logger  *events.Logger
	limiter *rate.Limiter

	maxRetries int
	retryDelay time.Duration
}

// NewHTTPGateway creates a gateway from remote configuration.
func NewHTTPGateway(cfg *config.RemoteConfig, logger *events.Logger) *HTTPGateway {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	rl := cfg.RateLimit
	if rl <= 0 {
		rl = 20
	}

	return &HTTPGateway{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		baseURL:    cfg.ServerURL,
		token:      cfg.Token,
		user:       cfg.User,
		logger:     logger.WithField("component", "http_gateway"),
		limiter:    rate.NewLimiter(rate.Limit(rl), int(rl)),
		maxRetries: cfg.MaxRetries,
		retryDelay: time.Second,
	}
}

// Fetch returns the document for ref.
func (g *HTTPGateway) Fetch(ctx context.Context, ref string) (models.DocInfo, error) {
	var doc models.DocInfo
	err := g.getJSON(ctx, "/api/docs/"+url.PathEscape(ref), &doc)
	return doc, err
}

// ListChildren returns the direct children of ref.
func (g *HTTPGateway) ListChildren(ctx context.Context, ref string) ([]models.DocInfo, error) {
	var docs []models.DocInfo
	err := g.getJSON(ctx, "/api/docs/"+url.PathEscape(ref)+"/children", &docs)
	return docs, err
}

// Download opens the content stream of ref starting at offset.
func (g *HTTPGateway) Download(ctx context.Context, ref, requestUID string, offset int64) (DownloadResult, error) {
	path := "/api/docs/" + url.PathEscape(ref) + "/content?request_uid=" + url.QueryEscape(requestUID)

	req, err := g.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return DownloadResult{}, err
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := g.doRaw(ctx, req, "download", ref)
	if err != nil {
		return DownloadResult{}, err
	}

	return DownloadResult{
		Body:            resp.Body,
		Digest:          resp.Header.Get("X-Content-Digest"),
		DigestAlgorithm: resp.Header.Get("X-Digest-Algorithm"),
		Size:            resp.ContentLength,
	}, nil
}

// Upload creates a document under parentRef, idempotent per
// requestUID.
func (g *HTTPGateway) Upload(ctx context.Context, parentRef, name, requestUID string, r io.Reader, size int64) (string, error) {
	path := "/api/docs/" + url.PathEscape(parentRef) + "/children?name=" + url.QueryEscape(name) +
		"&request_uid=" + url.QueryEscape(requestUID)

	req, err := g.newRequest(ctx, http.MethodPost, path, r)
	if err != nil {
		return "", err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	var result struct {
		Ref string `json:"ref"`
	}
	if err := g.doJSON(ctx, req, "upload", parentRef, &result); err != nil {
		return "", err
	}
	return result.Ref, nil
}

// CreateFolder creates a folderish child under parentRef.
func (g *HTTPGateway) CreateFolder(ctx context.Context, parentRef, name string) (models.DocInfo, error) {
	var doc models.DocInfo
	err := g.postJSON(ctx, "/api/docs/"+url.PathEscape(parentRef)+"/folders",
		map[string]string{"name": name}, "create_folder", parentRef, &doc)
	return doc, err
}

// UpdateContent replaces the content of ref and returns the new
// digest.
func (g *HTTPGateway) UpdateContent(ctx context.Context, ref, requestUID string, r io.Reader, size int64) (string, error) {
	path := "/api/docs/" + url.PathEscape(ref) + "/content?request_uid=" + url.QueryEscape(requestUID)

	req, err := g.newRequest(ctx, http.MethodPut, path, r)
	if err != nil {
		return "", err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	var result struct {
		Digest string `json:"digest"`
	}
	if err := g.doJSON(ctx, req, "update_content", ref, &result); err != nil {
		return "", err
	}
	return result.Digest, nil
}

// Rename changes the document name.
func (g *HTTPGateway) Rename(ctx context.Context, ref, newName string) (models.DocInfo, error) {
	var doc models.DocInfo
	err := g.postJSON(ctx, "/api/docs/"+url.PathEscape(ref)+"/rename",
		map[string]string{"name": newName}, "rename", ref, &doc)
	return doc, err
}

// Move reparents the document.
func (g *HTTPGateway) Move(ctx context.Context, ref, newParentRef string) (models.DocInfo, error) {
	var doc models.DocInfo
	err := g.postJSON(ctx, "/api/docs/"+url.PathEscape(ref)+"/move",
		map[string]string{"parent_ref": newParentRef}, "move", ref, &doc)
	return doc, err
}

// Delete removes the document.
func (g *HTTPGateway) Delete(ctx context.Context, ref string) error {
	req, err := g.newRequest(ctx, http.MethodDelete, "/api/docs/"+url.PathEscape(ref), nil)
	if err != nil {
		return err
	}
	return g.doJSON(ctx, req, "delete", ref, nil)
}

// Lock takes the repository lock on ref.
func (g *HTTPGateway) Lock(ctx context.Context, ref string) error {
	return g.postJSON(ctx, "/api/docs/"+url.PathEscape(ref)+"/lock", nil, "lock", ref, nil)
}

// Unlock releases the repository lock on ref.
func (g *HTTPGateway) Unlock(ctx context.Context, ref string) error {
	return g.postJSON(ctx, "/api/docs/"+url.PathEscape(ref)+"/unlock", nil, "unlock", ref, nil)
}

// Changes returns the change log entries after cursor.
func (g *HTTPGateway) Changes(ctx context.Context, cursor string) ([]models.RemoteChange, string, error) {
	var result struct {
		Changes    []models.RemoteChange `json:"changes"`
		NextCursor string                `json:"next_cursor"`
	}
	path := "/api/changes"
	if cursor != "" {
		path += "?cursor=" + url.QueryEscape(cursor)
	}
	if err := g.getJSON(ctx, path, &result); err != nil {
		return nil, "", err
	}
	return result.Changes, result.NextCursor, nil
}

// UserPermissions returns the operations permitted on ref.
func (g *HTTPGateway) UserPermissions(ctx context.Context, ref string) (models.Permissions, error) {
	var perms models.Permissions
	err := g.getJSON(ctx, "/api/docs/"+url.PathEscape(ref)+"/permissions", &perms)
	return perms, err
}

// Request plumbing

func (g *HTTPGateway) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	if g.user != "" {
		req.Header.Set("X-User-Id", g.user)
	}
	return req, nil
}

func (g *HTTPGateway) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := g.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return g.doJSON(ctx, req, "get", path, out)
}

func (g *HTTPGateway) postJSON(ctx context.Context, path string, payload interface{}, op, ref string, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := g.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return g.doJSON(ctx, req, op, ref, out)
}

// doJSON executes a request with retry and decodes the body into out.
func (g *HTTPGateway) doJSON(ctx context.Context, req *http.Request, op, ref string, out interface{}) error {
	resp, err := g.doRaw(ctx, req, op, ref)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

// doRaw executes a request, retrying transient failures. The caller
// owns the response body.
func (g *HTTPGateway) doRaw(ctx context.Context, req *http.Request, op, ref string) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			delay := g.retryDelay * time.Duration(1<<(attempt-1))
			g.logger.WithFields(map[string]interface{}{
				"op":      op,
				"attempt": attempt,
				"delay":   delay.String(),
			}).Debug("Retrying remote call")

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}

			// Requests with a body cannot be replayed blindly.
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("rewind request body: %w", err)
				}
				req.Body = body
			} else if req.Body != nil {
				break
			}
		}

		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		resp, err := g.client.Do(req)
		if err != nil {
			lastErr = &models.RemoteError{
				Kind: models.KindTransient, Op: op, Ref: ref,
				Message: err.Error(), Err: err,
			}
			continue
		}

		if resp.StatusCode < 300 {
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		remoteErr := &models.RemoteError{
			Kind:    classifyStatus(resp.StatusCode),
			Op:      op,
			Ref:     ref,
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(body)),
		}
		if remoteErr.Kind != models.KindTransient {
			return nil, remoteErr
		}
		lastErr = remoteErr
	}

	if lastErr == nil {
		lastErr = &models.RemoteError{Kind: models.KindTransient, Op: op, Ref: ref, Message: "retries exhausted"}
	}
	return nil, lastErr
}

// classifyStatus maps an HTTP status to the engine failure taxonomy.
func classifyStatus(status int) models.ErrorKind {
	switch status {
	case http.StatusUnauthorized:
		return models.KindUnauthorized
	case http.StatusForbidden:
		return models.KindForbidden
	case http.StatusNotFound, http.StatusGone:
		return models.KindNotFound
	case http.StatusConflict:
		return models.KindConflict
	case http.StatusLocked, http.StatusTooManyRequests:
		return models.KindTransient
	}
	if status >= 500 {
		return models.KindTransient
	}
	return models.KindFatal
}
