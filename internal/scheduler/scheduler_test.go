package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Username960528/MSE-telegram-bot-sub000/internal/domain"
	"github.com/Username960528/MSE-telegram-bot-sub000/internal/store"
	"github.com/Username960528/MSE-telegram-bot-sub000/internal/survey"
)

type sentMsg struct {
	chatID   int64
	promptID string
	text     string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMsg
	fail bool
}

func (f *fakeSender) SendPrompt(_ context.Context, chatID int64, promptID, text string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return 0, errors.New("telegram unavailable")
	}
	f.sent = append(f.sent, sentMsg{chatID: chatID, promptID: promptID, text: text})
	return len(f.sent), nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func openRepo(t *testing.T) *store.SQLiteRepo {
	t.Helper()
	repo, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func seedUser(t *testing.T, repo *store.SQLiteRepo, chatID int64, next *time.Time) {
	t.Helper()
	require.NoError(t, repo.UpsertUser(context.Background(), &domain.UserSchedule{
		ChatID:      chatID,
		Enabled:     true,
		TZ:          "UTC",
		ActiveFromM: 0,
		ActiveToM:   23*60 + 59,
		DailyCount:  6,
		NextDueAt:   next,
		CreatedAt:   time.Now().UTC(),
	}))
}

func fastPolicy() domain.EscalationPolicy {
	// Fixed two-second delays: timestamps are stored as unix seconds, so a
	// sub-second delay would be due inside the tick that scheduled it.
	return domain.EscalationPolicy{
		Intervals: []domain.IntervalRange{
			{Min: 2 * time.Second, Max: 2 * time.Second},
			{Min: 2 * time.Second, Max: 2 * time.Second},
			{Min: 2 * time.Second, Max: 2 * time.Second},
		},
		MaxLevel:      3,
		MaxDuration:   2 * time.Hour,
		RespectWindow: false,
	}
}

func TestDispatch_SendsAndPlansNext(t *testing.T) {
	repo := openRepo(t)
	sender := &fakeSender{}
	d := NewDispatcher(repo, zap.NewNop(), sender, time.Minute)
	ctx := context.Background()
	now := time.Now().UTC()

	due := now.Add(-30 * time.Second).Truncate(time.Second)
	seedUser(t, repo, 1, &due)

	d.Tick(ctx, now)

	require.Equal(t, 1, sender.count())
	require.Equal(t, survey.PromptText, sender.sent[0].text)

	u, err := repo.GetUser(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, u.NextDueAt, "next slot planned after send")
	require.True(t, u.NextDueAt.After(now))
	require.NotNil(t, u.LastSentAt)

	p, err := repo.GetPrompt(ctx, sender.sent[0].promptID)
	require.NoError(t, err)
	require.False(t, p.IsEscalation)
	require.NotZero(t, p.MessageID)
}

func TestDispatch_ExactlyOnceUnderConcurrentTicks(t *testing.T) {
	repo := openRepo(t)
	sender := &fakeSender{}
	d := NewDispatcher(repo, zap.NewNop(), sender, time.Minute)
	ctx := context.Background()
	now := time.Now().UTC()

	due := now.Add(-30 * time.Second).Truncate(time.Second)
	seedUser(t, repo, 1, &due)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Tick(ctx, now)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, sender.count(), "overlapping ticks must not double-send")

	s, err := repo.Stats(ctx, now)
	require.NoError(t, err)
	require.Equal(t, int64(1), s.PromptsSentUTC)
}

func TestDispatch_DisabledUserNeverPrompted(t *testing.T) {
	repo := openRepo(t)
	sender := &fakeSender{}
	d := NewDispatcher(repo, zap.NewNop(), sender, time.Minute)
	ctx := context.Background()
	now := time.Now().UTC()

	due := now.Add(-30 * time.Second).Truncate(time.Second)
	seedUser(t, repo, 1, &due)
	require.NoError(t, repo.SetEnabled(ctx, 1, false))

	d.Tick(ctx, now)

	require.Zero(t, sender.count())
	s, err := repo.Stats(ctx, now)
	require.NoError(t, err)
	require.Zero(t, s.PromptsSentUTC)
}

func TestDispatch_SendFailureKeepsRecordAndPlan(t *testing.T) {
	repo := openRepo(t)
	sender := &fakeSender{fail: true}
	d := NewDispatcher(repo, zap.NewNop(), sender, time.Minute)
	ctx := context.Background()
	now := time.Now().UTC()

	due := now.Add(-30 * time.Second).Truncate(time.Second)
	seedUser(t, repo, 1, &due)

	d.Tick(ctx, now)

	// record reflects intent even though delivery failed
	s, err := repo.Stats(ctx, now)
	require.NoError(t, err)
	require.Equal(t, int64(1), s.PromptsSentUTC)

	u, err := repo.GetUser(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, u.NextDueAt, "plan continues after a failed send")
}

func TestDispatch_HealsUnplannedUser(t *testing.T) {
	repo := openRepo(t)
	sender := &fakeSender{}
	d := NewDispatcher(repo, zap.NewNop(), sender, time.Minute)
	ctx := context.Background()
	now := time.Now().UTC()

	seedUser(t, repo, 1, nil) // enabled, no plan

	d.Tick(ctx, now)

	u, err := repo.GetUser(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, u.NextDueAt)
	require.True(t, u.NextDueAt.After(now))
	require.Zero(t, sender.count(), "healing plans, it does not send")
}

func TestSweep_TimeoutEntersEscalation(t *testing.T) {
	repo := openRepo(t)
	sender := &fakeSender{}
	s := NewSweeper(repo, zap.NewNop(), sender, time.Minute, 20*time.Minute, fastPolicy())
	ctx := context.Background()
	now := time.Now().UTC()

	seedUser(t, repo, 1, nil)
	p := &domain.Prompt{ID: "p-original", ChatID: 1, SentAt: now.Add(-30 * time.Minute)}
	require.NoError(t, repo.CreatePrompt(ctx, p))

	s.Tick(ctx, now)

	got, err := repo.GetPrompt(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.MissedTimeout, got.MissedReason)

	u, err := repo.GetUser(ctx, 1)
	require.NoError(t, err)
	require.True(t, u.Escalation.IsEscalating)
	require.Equal(t, 1, u.Escalation.Level)
	require.Equal(t, 1, u.Escalation.MissedCount)
	require.NotNil(t, u.Escalation.NextEscalationAt)

	// the fast policy makes the first resend due two seconds out
	s.Tick(ctx, now.Add(2*time.Second))

	require.Equal(t, 1, sender.count())
	require.Equal(t, survey.EscalationText(1), sender.sent[0].text)

	ep, err := repo.GetPrompt(ctx, sender.sent[0].promptID)
	require.NoError(t, err)
	require.True(t, ep.IsEscalation)
	require.Equal(t, 1, ep.EscalationLevel)

	u, err = repo.GetUser(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 2, u.Escalation.Level, "level bumps after the resend")
}

func TestSweep_LevelCapped(t *testing.T) {
	repo := openRepo(t)
	sender := &fakeSender{}
	s := NewSweeper(repo, zap.NewNop(), sender, time.Minute, 20*time.Minute, fastPolicy())
	ctx := context.Background()
	now := time.Now().UTC()

	seedUser(t, repo, 1, nil)
	p := &domain.Prompt{ID: "p-original", ChatID: 1, SentAt: now.Add(-30 * time.Minute)}
	require.NoError(t, repo.CreatePrompt(ctx, p))

	s.Tick(ctx, now)
	for i := 1; i <= 6; i++ {
		s.Tick(ctx, now.Add(time.Duration(i)*time.Second))
	}

	u, err := repo.GetUser(ctx, 1)
	require.NoError(t, err)
	require.True(t, u.Escalation.IsEscalating)
	require.Equal(t, 3, u.Escalation.Level, "level never exceeds the cap")
}

func TestSweep_StopsAfterMaxDuration(t *testing.T) {
	repo := openRepo(t)
	sender := &fakeSender{}
	policy := fastPolicy()
	policy.MaxDuration = 10 * time.Second
	s := NewSweeper(repo, zap.NewNop(), sender, time.Minute, 20*time.Minute, policy)
	ctx := context.Background()
	now := time.Now().UTC()

	seedUser(t, repo, 1, nil)
	require.NoError(t, repo.CreatePrompt(ctx,
		&domain.Prompt{ID: "p-original", ChatID: 1, SentAt: now.Add(-30 * time.Minute)}))

	s.Tick(ctx, now)

	// next resend fires only after the total budget elapsed
	s.Tick(ctx, now.Add(time.Minute))

	u, err := repo.GetUser(ctx, 1)
	require.NoError(t, err)
	require.False(t, u.Escalation.IsEscalating)
	require.Equal(t, 0, u.Escalation.Level)
	require.Equal(t, 1, u.Escalation.MissedCount, "missed count survives a stop")
	require.Zero(t, sender.count(), "no resend after the budget")
}

func TestSweep_RespectsActiveWindow(t *testing.T) {
	repo := openRepo(t)
	sender := &fakeSender{}
	policy := fastPolicy()
	policy.RespectWindow = true
	s := NewSweeper(repo, zap.NewNop(), sender, time.Minute, 20*time.Minute, policy)
	ctx := context.Background()
	now := time.Now().UTC()

	// active window is a one-minute sliver far from now, so "now" is outside
	outsideM := (now.Hour()*60 + now.Minute() + 720) % 1440
	require.NoError(t, repo.UpsertUser(ctx, &domain.UserSchedule{
		ChatID: 1, Enabled: true, TZ: "UTC",
		ActiveFromM: outsideM, ActiveToM: (outsideM + 1) % 1440,
		DailyCount: 6, CreatedAt: now,
	}))
	require.NoError(t, repo.CreatePrompt(ctx,
		&domain.Prompt{ID: "p-original", ChatID: 1, SentAt: now.Add(-30 * time.Minute)}))

	s.Tick(ctx, now)
	s.Tick(ctx, now.Add(2*time.Second))

	u, err := repo.GetUser(ctx, 1)
	require.NoError(t, err)
	require.False(t, u.Escalation.IsEscalating, "escalation must not leak outside the window")
	require.Zero(t, sender.count())
}

func TestSweep_ResponseAtLevelTwoSilencesEscalation(t *testing.T) {
	repo := openRepo(t)
	sender := &fakeSender{}
	s := NewSweeper(repo, zap.NewNop(), sender, time.Minute, 20*time.Minute, fastPolicy())
	ctx := context.Background()
	now := time.Now().UTC()

	seedUser(t, repo, 1, nil)
	original := &domain.Prompt{ID: "p-original", ChatID: 1, SentAt: now.Add(-30 * time.Minute)}
	require.NoError(t, repo.CreatePrompt(ctx, original))

	s.Tick(ctx, now)                    // entry
	s.Tick(ctx, now.Add(2*time.Second)) // level-1 resend, level goes to 2
	sentBefore := sender.count()

	// the user answers the ORIGINAL prompt, late
	c := survey.NewCorrelator(repo, zap.NewNop())
	require.NoError(t, c.OnPromptCompleted(ctx, original.ID))

	u, err := repo.GetUser(ctx, 1)
	require.NoError(t, err)
	require.False(t, u.Escalation.IsEscalating)
	require.Equal(t, 0, u.Escalation.Level)
	require.Equal(t, 0, u.Escalation.MissedCount)

	// further sweeps send nothing, including at the instant the next resend
	// would have been due
	for i := 3; i <= 6; i++ {
		s.Tick(ctx, now.Add(time.Duration(i)*time.Second))
	}
	require.Equal(t, sentBefore, sender.count())
}

func TestSweep_DisabledUserSuppressed(t *testing.T) {
	repo := openRepo(t)
	sender := &fakeSender{}
	s := NewSweeper(repo, zap.NewNop(), sender, time.Minute, 20*time.Minute, fastPolicy())
	ctx := context.Background()
	now := time.Now().UTC()

	seedUser(t, repo, 1, nil)
	require.NoError(t, repo.CreatePrompt(ctx,
		&domain.Prompt{ID: "p-original", ChatID: 1, SentAt: now.Add(-30 * time.Minute)}))

	s.Tick(ctx, now) // enters escalation
	require.NoError(t, repo.SetEnabled(ctx, 1, false))

	s.Tick(ctx, now.Add(2*time.Second))
	require.Zero(t, sender.count(), "pause suppresses in-flight escalation")
}

func TestSweep_EscalationPromptTimeoutDoesNotRestart(t *testing.T) {
	repo := openRepo(t)
	sender := &fakeSender{}
	s := NewSweeper(repo, zap.NewNop(), sender, time.Minute, 20*time.Minute, fastPolicy())
	ctx := context.Background()
	now := time.Now().UTC()

	seedUser(t, repo, 1, nil)
	// an old unanswered escalation resend, with the machine already idle
	require.NoError(t, repo.CreatePrompt(ctx, &domain.Prompt{
		ID: "p-resend", ChatID: 1, SentAt: now.Add(-30 * time.Minute),
		IsEscalation: true, EscalationLevel: 2,
	}))

	s.Tick(ctx, now)

	got, err := repo.GetPrompt(ctx, "p-resend")
	require.NoError(t, err)
	require.Equal(t, domain.MissedTimeout, got.MissedReason, "audit trail still records the miss")

	u, err := repo.GetUser(ctx, 1)
	require.NoError(t, err)
	require.False(t, u.Escalation.IsEscalating, "a stale resend never restarts the sequence")
}

func TestDispatch_StaleSlotReplansInsteadOfSending(t *testing.T) {
	repo := openRepo(t)
	sender := &fakeSender{}
	d := NewDispatcher(repo, zap.NewNop(), sender, time.Minute)
	ctx := context.Background()

	// 00:00 UTC is 03:00 in Moscow, well outside the 09:00-21:00 window
	now := time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC)
	due := now.Add(-7 * time.Hour) // a slot missed during downtime
	require.NoError(t, repo.UpsertUser(ctx, &domain.UserSchedule{
		ChatID: 1, Enabled: true, TZ: "Europe/Moscow",
		ActiveFromM: 9 * 60, ActiveToM: 21 * 60,
		DailyCount: 6, NextDueAt: &due, CreatedAt: now,
	}))

	d.Tick(ctx, now)

	require.Zero(t, sender.count(), "a slot missed during downtime is not delivered late")

	u, err := repo.GetUser(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, u.NextDueAt, "stale slot is replanned, not dropped")
	require.True(t, u.NextDueAt.After(now))

	loc, err := time.LoadLocation("Europe/Moscow")
	require.NoError(t, err)
	local := u.NextDueAt.In(loc)
	localM := local.Hour()*60 + local.Minute()
	require.True(t, domain.InWindow(localM, 9*60, 21*60), "replanned slot lands inside active hours")

	s, err := repo.Stats(ctx, now)
	require.NoError(t, err)
	require.Zero(t, s.PromptsSentUTC, "no prompt record for the stale slot")
}

func TestSweep_RepairsStalledEscalationClaim(t *testing.T) {
	repo := openRepo(t)
	sender := &fakeSender{}
	s := NewSweeper(repo, zap.NewNop(), sender, time.Minute, 20*time.Minute, fastPolicy())
	ctx := context.Background()
	now := time.Now().UTC()

	seedUser(t, repo, 1, nil)
	firstResend := now.Add(2 * time.Second)
	began, err := repo.BeginEscalation(ctx, 1, now.Add(-30*time.Minute), now, firstResend)
	require.NoError(t, err)
	require.True(t, began)

	// the claim is taken, then the process dies before recording the resend
	claimed, err := repo.ClaimEscalation(ctx, 1, firstResend)
	require.NoError(t, err)
	require.True(t, claimed)

	s.Tick(ctx, now.Add(4*time.Second))

	u, err := repo.GetUser(ctx, 1)
	require.NoError(t, err)
	require.True(t, u.Escalation.IsEscalating)
	require.NotNil(t, u.Escalation.NextEscalationAt, "stalled claim gets a fresh resend instant")

	// and the rescheduled resend eventually fires
	s.Tick(ctx, u.Escalation.NextEscalationAt.Add(time.Second))
	require.Equal(t, 1, sender.count())
	require.Equal(t, survey.EscalationText(1), sender.sent[0].text)
}
