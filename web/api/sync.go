package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/rweb"
	"github.com/rohanthewiz/serr"

	"gonotesync/hub"
	"gonotesync/models"
)

// requestTimeout bounds the store work behind one sync request.
const requestTimeout = 30 * time.Second

// SyncHandlers serves the sync protocol from one hub endpoint.
type SyncHandlers struct {
	Endpoint *hub.Endpoint
}

// Health handles GET /health
func (h *SyncHandlers) Health(ctx rweb.Context) error {
	return writeSuccess(ctx, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

// Pull handles POST /sync/pull
// Returns everything the user changed after lastSyncAt plus deletion markers
// and the serverTime to adopt as the next cursor. An empty body or a null
// lastSyncAt is a full pull.
func (h *SyncHandlers) Pull(ctx rweb.Context) error {
	userID := CurrentUserID(ctx)
	if userID == "" {
		return writeError(ctx, http.StatusUnauthorized, "authentication required")
	}

	var req models.PullRequest
	if body := ctx.Request().Body(); len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			logger.LogErr(serr.Wrap(err, "failed to decode pull request"), "invalid JSON")
			return writeError(ctx, http.StatusBadRequest, "invalid JSON body")
		}
	}

	var since time.Time
	if req.LastSyncAt != nil {
		since = *req.LastSyncAt
	}

	reqCtx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	resp, err := h.Endpoint.Pull(reqCtx, userID, since)
	if err != nil {
		logger.LogErr(err, "pull failed", "user_id", userID, "device_id", req.DeviceID)
		return writeError(ctx, http.StatusInternalServerError, "failed to pull changes")
	}
	return writeBody(ctx, http.StatusOK, resp)
}

// Push handles POST /sync/push
// Applies folders then notes item by item. Conflicts and rejections are
// reported per item with status 200; only a storage failure fails the
// request, and the client retries the whole batch.
func (h *SyncHandlers) Push(ctx rweb.Context) error {
	userID := CurrentUserID(ctx)
	if userID == "" {
		return writeError(ctx, http.StatusUnauthorized, "authentication required")
	}

	var req models.PushRequest
	if err := json.Unmarshal(ctx.Request().Body(), &req); err != nil {
		logger.LogErr(serr.Wrap(err, "failed to decode push request"), "invalid JSON")
		return writeError(ctx, http.StatusBadRequest, "invalid JSON body")
	}

	reqCtx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	out, err := h.Endpoint.Push(reqCtx, userID, req)
	if err != nil {
		logger.LogErr(err, "push failed", "user_id", userID)
		return writeError(ctx, http.StatusInternalServerError, "failed to apply changes")
	}

	logger.Info("Push applied", "user_id", userID,
		"created", out.Count(hub.ResultCreated),
		"updated", out.Count(hub.ResultUpdated),
		"deleted", out.Count(hub.ResultDeleted),
		"conflicts", out.Count(hub.ResultConflict),
		"rejected", out.Count(hub.ResultRejected))

	return writeBody(ctx, http.StatusOK, out.Response())
}

// Offline handles GET /sync/offline
// Returns every live note the user flagged available offline.
func (h *SyncHandlers) Offline(ctx rweb.Context) error {
	userID := CurrentUserID(ctx)
	if userID == "" {
		return writeError(ctx, http.StatusUnauthorized, "authentication required")
	}

	reqCtx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	snap, err := h.Endpoint.Offline(reqCtx, userID)
	if err != nil {
		logger.LogErr(err, "offline snapshot failed", "user_id", userID)
		return writeError(ctx, http.StatusInternalServerError, "failed to load offline notes")
	}
	return writeBody(ctx, http.StatusOK, snap)
}
