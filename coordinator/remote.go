package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"gonotesync/models"
)

// Remote is the transport to the hub's sync endpoint. Errors must be
// *models.SyncError so the coordinator can classify them; anything else is
// treated as a network failure.
type Remote interface {
	Pull(ctx context.Context, req models.PullRequest) (*models.PullResponse, error)
	Push(ctx context.Context, req models.PushRequest) (*models.PushResponse, error)
	Offline(ctx context.Context) (*models.OfflineSnapshot, error)
}

// HTTPRemote talks to a hub over HTTP with a bearer token.
type HTTPRemote struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// NewHTTPRemote returns a Remote for the hub at baseURL.
func NewHTTPRemote(baseURL, token string, timeout time.Duration) *HTTPRemote {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPRemote{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SetToken swaps the bearer token, e.g. after the session layer refreshed it.
func (r *HTTPRemote) SetToken(token string) {
	r.mu.Lock()
	r.token = token
	r.mu.Unlock()
}

func (r *HTTPRemote) Pull(ctx context.Context, req models.PullRequest) (*models.PullResponse, error) {
	var resp models.PullResponse
	if err := r.do(ctx, http.MethodPost, "/sync/pull", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (r *HTTPRemote) Push(ctx context.Context, req models.PushRequest) (*models.PushResponse, error) {
	var resp models.PushResponse
	if err := r.do(ctx, http.MethodPost, "/sync/push", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (r *HTTPRemote) Offline(ctx context.Context) (*models.OfflineSnapshot, error) {
	var resp models.OfflineSnapshot
	if err := r.do(ctx, http.MethodGet, "/sync/offline", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// errorBody is the hub's failure envelope.
type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// do sends one request and classifies the outcome:
// transport errors and 5xx are network failures, 401 is an auth failure,
// any other non-2xx is a validation failure.
func (r *HTTPRemote) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return models.NewSyncError(models.KindValidation, 0, "failed to encode request", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, body)
	if err != nil {
		return models.NewSyncError(models.KindValidation, 0, "failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	r.mu.RLock()
	token := r.token
	r.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return models.NewSyncError(models.KindNetwork, 0, method+" "+path+" failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.NewSyncError(models.KindNetwork, resp.StatusCode, "failed to read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := resp.Status
		var eb errorBody
		if json.Unmarshal(raw, &eb) == nil && eb.Error != "" {
			msg = eb.Error
		}
		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return models.NewSyncError(models.KindAuth, resp.StatusCode, msg, nil)
		case resp.StatusCode >= 500:
			return models.NewSyncError(models.KindNetwork, resp.StatusCode, msg, nil)
		default:
			return models.NewSyncError(models.KindValidation, resp.StatusCode, msg, nil)
		}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return models.NewSyncError(models.KindNetwork, resp.StatusCode, "failed to decode response", err)
	}
	return nil
}
