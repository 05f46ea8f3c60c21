package usecase

import (
	"context"
	"log/slog"
	"strings"

	"biashara-copilot/internal/domain"
	"biashara-copilot/internal/observability"
)

type TaskCreator interface {
	CreateTask(ctx context.Context, attrs domain.ContextAttributes, item domain.ActionItem) error
}

// TaskSyncResult counts the outcome of one Sync.
type TaskSyncResult struct {
	Created int
	Failed  int
	Skipped int
}

// TaskBridge mirrors returned action items into the external task system.
// It is best-effort: failures are counted, never returned.
type TaskBridge struct {
	creator TaskCreator
	enabled bool
	logger  *slog.Logger
}

func NewTaskBridge(creator TaskCreator, enabled bool, logger *slog.Logger) *TaskBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskBridge{creator: creator, enabled: enabled && creator != nil, logger: logger}
}

func (b *TaskBridge) Enabled() bool { return b != nil && b.enabled }

// Sync creates one task per titled action, in order.
func (b *TaskBridge) Sync(ctx context.Context, actions []domain.ActionItem, attrs domain.ContextAttributes) TaskSyncResult {
	var res TaskSyncResult
	if !b.Enabled() || strings.TrimSpace(attrs.OrgID) == "" || len(actions) == 0 {
		return res
	}
	for _, a := range actions {
		if strings.TrimSpace(a.Title) == "" {
			res.Skipped++
			continue
		}
		if err := b.creator.CreateTask(ctx, attrs, a); err != nil {
			res.Failed++
			b.logger.Warn("create task failed", "org", attrs.OrgID, "title", a.Title, "err", err)
			continue
		}
		res.Created++
	}
	observability.RecordTaskSync(res.Created, res.Failed)
	b.logger.Info("tasks synced", "org", attrs.OrgID, "created", res.Created, "failed", res.Failed, "skipped", res.Skipped)
	return res
}
