// Package deploylog appends DeploymentLog rows (spec §3): an append-only
// sequence of step records attached to one application, written throughout
// the deployment pipeline and during any subsequent lifecycle operation,
// and never mutated afterward.
package deploylog

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"proximity/internal/ent"
	"proximity/internal/enum"
	"proximity/internal/logger"
)

// Write appends one DeploymentLog row. Failures to write the audit trail
// never fail the calling operation; they are logged to the operational zap
// sink instead, since the row is the user-visible record but the operation
// it describes has already happened.
func Write(ctx context.Context, client *ent.Client, appID uuid.UUID, level enum.LogLevel, step, message string) {
	_, err := client.DeploymentLog.Create().
		SetApplicationID(appID).
		SetLevel(level).
		SetStep(step).
		SetMessage(message).
		Save(ctx)
	if err != nil {
		logger.GetLogger(ctx).Error("deploylog: failed to write deployment log row",
			zap.String("application_id", appID.String()), zap.String("step", step), zap.Error(err))
	}
}

// Info writes an info-level record.
func Info(ctx context.Context, client *ent.Client, appID uuid.UUID, step, message string) {
	Write(ctx, client, appID, enum.LogLevelInfo, step, message)
}

// Warn writes a warn-level record.
func Warn(ctx context.Context, client *ent.Client, appID uuid.UUID, step, message string) {
	Write(ctx, client, appID, enum.LogLevelWarn, step, message)
}

// Error writes an error-level record.
func Error(ctx context.Context, client *ent.Client, appID uuid.UUID, step, message string) {
	Write(ctx, client, appID, enum.LogLevelError, step, message)
}
