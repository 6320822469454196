package survey

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Username960528/MSE-telegram-bot-sub000/internal/domain"
	"github.com/Username960528/MSE-telegram-bot-sub000/internal/store"
)

func setup(t *testing.T) (*Correlator, *store.SQLiteRepo) {
	t.Helper()
	repo, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return NewCorrelator(repo, zap.NewNop()), repo
}

func seedEscalatingUser(t *testing.T, repo *store.SQLiteRepo, chatID int64) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, repo.UpsertUser(ctx, &domain.UserSchedule{
		ChatID: chatID, Enabled: true, TZ: "UTC",
		ActiveFromM: 0, ActiveToM: 23*60 + 59, DailyCount: 4,
		CreatedAt: now,
	}))
	ok, err := repo.BeginEscalation(ctx, chatID, now.Add(-30*time.Minute), now, now.Add(15*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestOnPromptStarted_SilencesEscalation(t *testing.T) {
	c, repo := setup(t)
	ctx := context.Background()
	seedEscalatingUser(t, repo, 1)

	p := &domain.Prompt{ID: uuid.NewString(), ChatID: 1, SentAt: time.Now().UTC()}
	require.NoError(t, repo.CreatePrompt(ctx, p))

	require.NoError(t, c.OnPromptStarted(ctx, p.ID))

	u, err := repo.GetUser(ctx, 1)
	require.NoError(t, err)
	require.False(t, u.Escalation.IsEscalating)
	require.Equal(t, 0, u.Escalation.Level)
	require.Equal(t, 1, u.Escalation.MissedCount, "started alone keeps missed_count")
}

func TestOnPromptCompleted_ResetsMissedCount(t *testing.T) {
	c, repo := setup(t)
	ctx := context.Background()
	seedEscalatingUser(t, repo, 1)

	p := &domain.Prompt{ID: uuid.NewString(), ChatID: 1, SentAt: time.Now().UTC()}
	require.NoError(t, repo.CreatePrompt(ctx, p))

	require.NoError(t, c.OnPromptCompleted(ctx, p.ID))

	u, err := repo.GetUser(ctx, 1)
	require.NoError(t, err)
	require.False(t, u.Escalation.IsEscalating)
	require.Equal(t, 0, u.Escalation.MissedCount)

	got, err := repo.GetPrompt(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.StartedAt, "completion backfills started_at")
}

func TestOnPromptStarted_ReplayIsNoop(t *testing.T) {
	c, repo := setup(t)
	ctx := context.Background()
	seedEscalatingUser(t, repo, 1)

	p := &domain.Prompt{ID: uuid.NewString(), ChatID: 1, SentAt: time.Now().UTC()}
	require.NoError(t, repo.CreatePrompt(ctx, p))
	require.NoError(t, c.OnPromptStarted(ctx, p.ID))

	// put the user back into escalation over a fresh prompt sent after the
	// response; a replayed started event for the already-resolved prompt must
	// not silence it again
	later := time.Now().UTC().Add(2 * time.Second)
	ok, err := repo.BeginEscalation(ctx, 1, later, later, later.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.OnPromptStarted(ctx, p.ID))

	u, err := repo.GetUser(ctx, 1)
	require.NoError(t, err)
	require.True(t, u.Escalation.IsEscalating, "replay must not double-reset")
}

func TestOnPromptSkipped_DoesNotSilenceEscalation(t *testing.T) {
	c, repo := setup(t)
	ctx := context.Background()
	seedEscalatingUser(t, repo, 1)

	p := &domain.Prompt{ID: uuid.NewString(), ChatID: 1, SentAt: time.Now().UTC()}
	require.NoError(t, repo.CreatePrompt(ctx, p))

	require.NoError(t, c.OnPromptSkipped(ctx, p.ID, "busy"))

	u, err := repo.GetUser(ctx, 1)
	require.NoError(t, err)
	require.True(t, u.Escalation.IsEscalating)

	got, err := repo.GetPrompt(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.MissedSkipped, got.MissedReason)
}

func TestOnPromptStarted_UnknownPrompt(t *testing.T) {
	c, _ := setup(t)
	err := c.OnPromptStarted(context.Background(), uuid.NewString())
	require.ErrorIs(t, err, store.ErrNotFound)
}
