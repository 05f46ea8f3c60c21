package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"biashara-copilot/internal/domain"
)

type fakeTasks struct {
	created []string
	failOn  map[string]bool
}

func (f *fakeTasks) CreateTask(_ context.Context, _ domain.ContextAttributes, item domain.ActionItem) error {
	if f.failOn[item.Title] {
		return errors.New("task api down")
	}
	f.created = append(f.created, item.Title)
	return nil
}

func TestTaskBridge_SequentialBestEffort(t *testing.T) {
	ft := &fakeTasks{failOn: map[string]bool{"B": true}}
	b := NewTaskBridge(ft, true, nil)

	res := b.Sync(context.Background(), []domain.ActionItem{
		{Title: "A"}, {Title: "B"}, {Title: " "}, {Title: "C"},
	}, domain.ContextAttributes{OrgID: "org-1"})

	require.Equal(t, TaskSyncResult{Created: 2, Failed: 1, Skipped: 1}, res)
	require.Equal(t, []string{"A", "C"}, ft.created)
}

func TestTaskBridge_NoOps(t *testing.T) {
	ft := &fakeTasks{}
	actions := []domain.ActionItem{{Title: "A"}}

	require.Zero(t, NewTaskBridge(ft, false, nil).Sync(context.Background(), actions, domain.ContextAttributes{OrgID: "o"}))
	require.Zero(t, NewTaskBridge(ft, true, nil).Sync(context.Background(), actions, domain.ContextAttributes{}))
	require.False(t, NewTaskBridge(nil, true, nil).Enabled())
	require.Empty(t, ft.created)
}
