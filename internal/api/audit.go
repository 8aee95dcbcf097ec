package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"proximity/internal/auth"
	"proximity/internal/ent"
	"proximity/internal/logger"
)

// writeAudit appends an AuditLog row for a mutating call (spec §3 AuditLog,
// SPEC_FULL supplement "audit log actor extraction"). Best-effort: a failure
// to record the audit trail never fails the request it describes.
func writeAudit(ctx context.Context, client *ent.Client, r *http.Request, action string, appID *uuid.UUID, details map[string]any) {
	actor := "anonymous"
	if user, err := auth.GetUserContext(ctx); err == nil {
		actor = user.UserID
	}

	create := client.AuditLog.Create().
		SetActor(actor).
		SetAction(action).
		SetSourceIP(clientIP(r)).
		SetDetails(details)
	if appID != nil {
		create = create.SetApplicationID(*appID)
	}

	if _, err := create.Save(ctx); err != nil {
		logger.GetLogger(ctx).Error("api: failed to write audit log row", zap.String("action", action), zap.Error(err))
	}
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}
