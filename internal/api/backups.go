package api

import (
	"net/http"

	"proximity/internal/coreerr"
)

type backupResponse struct {
	ID         string `json:"id"`
	SizeBytes  int64  `json:"size_bytes"`
	Status     string `json:"status"`
	Mode       string `json:"mode"`
	Compression string `json:"compression"`
	CreatedAt  string `json:"created_at"`
}

// listBackups handles GET /apps/{id}/backups (spec §3 "Backup... an
// external collaborator; the core treats it as a foreign-key reference").
func (h *handlers) listBackups(w http.ResponseWriter, r *http.Request) {
	if h.deps.Backup == nil {
		writeError(w, coreerr.New(coreerr.KindInternal, "api: backup subsystem not configured"))
		return
	}
	id, err := parseAppID(r)
	if err != nil {
		writeError(w, coreerr.New(coreerr.KindInvalidRequest, "api: malformed application id"))
		return
	}
	rows, err := h.deps.Backup.List(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]backupResponse, len(rows))
	for i, b := range rows {
		out[i] = backupResponse{
			ID:          b.ID.String(),
			SizeBytes:   b.SizeBytes,
			Status:      string(b.Status),
			Mode:        string(b.Mode),
			Compression: b.Compression,
			CreatedAt:   b.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// backupDownloadURL handles GET /backups/{backupID}/download, resolving a
// completed backup to a presigned, time-limited object store URL.
func (h *handlers) backupDownloadURL(w http.ResponseWriter, r *http.Request) {
	if h.deps.Backup == nil {
		writeError(w, coreerr.New(coreerr.KindInternal, "api: backup subsystem not configured"))
		return
	}
	id, err := parseBackupID(r)
	if err != nil {
		writeError(w, coreerr.New(coreerr.KindInvalidRequest, "api: malformed backup id"))
		return
	}
	url, err := h.deps.Backup.DownloadURL(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}
