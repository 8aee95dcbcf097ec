package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"proximity/internal/coreerr"
	"proximity/internal/ent/deploymentlog"
	"proximity/internal/logger"
)

const logStreamPollInterval = 2 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// logsTail handles GET /apps/{id}/logs (spec §6 "deployment log tail").
func (h *handlers) logsTail(w http.ResponseWriter, r *http.Request) {
	id, err := parseAppID(r)
	if err != nil {
		writeError(w, coreerr.New(coreerr.KindInvalidRequest, "api: malformed application id"))
		return
	}

	rows, err := h.deps.Client.DeploymentLog.Query().
		Where(deploymentlog.ApplicationID(id)).
		Order(deploymentlog.ByCreatedAt()).
		All(r.Context())
	if err != nil {
		writeError(w, coreerr.Wrap(coreerr.KindInternal, err, "api: querying deployment log"))
		return
	}

	out := make([]deploymentLogEntry, len(rows))
	for i, row := range rows {
		out[i] = deploymentLogEntry{Timestamp: row.CreatedAt, Level: row.Level, Step: row.Step, Message: row.Message}
	}
	writeJSON(w, http.StatusOK, out)
}

// logsStream handles GET /apps/{id}/logs/stream (SPEC_FULL supplement:
// "Deployment log live tail over websocket, supplementing the plain tail
// read"). It polls for rows newer than the last one sent, since the store
// is the single source of truth and no push notification exists upstream
// of it (spec §7 "The UI polls application state and log tail; no push
// protocol is assumed" — the websocket just moves that polling server-side).
func (h *handlers) logsStream(w http.ResponseWriter, r *http.Request) {
	id, err := parseAppID(r)
	if err != nil {
		writeError(w, coreerr.New(coreerr.KindInvalidRequest, "api: malformed application id"))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.GetLogger(r.Context()).Error("api: websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx := r.Context()
	var since time.Time
	ticker := time.NewTicker(logStreamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rows, err := h.deps.Client.DeploymentLog.Query().
				Where(deploymentlog.ApplicationID(id), deploymentlog.CreatedAtGT(since)).
				Order(deploymentlog.ByCreatedAt()).
				All(ctx)
			if err != nil {
				return
			}
			for _, row := range rows {
				since = row.CreatedAt
				entry := deploymentLogEntry{Timestamp: row.CreatedAt, Level: row.Level, Step: row.Step, Message: row.Message}
				if err := conn.WriteJSON(entry); err != nil {
					return
				}
			}
		}
	}
}
