package processor

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendrel/tendrel/internal/assistant"
	"github.com/tendrel/tendrel/internal/common/config"
	"github.com/tendrel/tendrel/internal/common/logger"
	"github.com/tendrel/tendrel/internal/db"
	"github.com/tendrel/tendrel/internal/sessionpool"
	"github.com/tendrel/tendrel/internal/store"
	"github.com/tendrel/tendrel/internal/transport"
)

type scriptedProc struct {
	mu       sync.Mutex
	alive    bool
	received []string
	reply    func(text string) (string, error)
}

func (f *scriptedProc) InjectMessage(ctx context.Context, text string) (string, error) {
	f.mu.Lock()
	f.received = append(f.received, text)
	f.mu.Unlock()
	return f.reply(text)
}

func (f *scriptedProc) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *scriptedProc) Close() {
	f.mu.Lock()
	f.alive = false
	f.mu.Unlock()
}

func (f *scriptedProc) Kill() { f.Close() }

func (f *scriptedProc) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.received...)
}

type scriptedRunner struct {
	mu    sync.Mutex
	procs []*scriptedProc
	reply func(text string) (string, error)
}

func (r *scriptedRunner) Start(ctx context.Context, opts assistant.Options) (assistant.Proc, error) {
	reply := r.reply
	if reply == nil {
		reply = func(text string) (string, error) { return "re: " + text, nil }
	}
	p := &scriptedProc{alive: true, reply: reply}
	r.mu.Lock()
	r.procs = append(r.procs, p)
	r.mu.Unlock()
	return p, nil
}

func (r *scriptedRunner) lastProc() *scriptedProc {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.procs[len(r.procs)-1]
}

// recordingTransport captures outbound sends in memory.
type recordingTransport struct {
	mu    sync.Mutex
	sent  []string
	fail  bool
	seq   int
	chans []string
}

func (tr *recordingTransport) Name() string { return "telegram" }

func (tr *recordingTransport) ResolveRecipient(ctx context.Context, tenantID, userHandle string) (string, error) {
	return userHandle, nil
}

func (tr *recordingTransport) Send(ctx context.Context, channelHandle, text string) (string, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.fail {
		return "", transport.NewError("telegram", "send", assert.AnError)
	}
	tr.seq++
	tr.sent = append(tr.sent, text)
	tr.chans = append(tr.chans, channelHandle)
	return "tg-" + channelHandle, nil
}

func (tr *recordingTransport) lastSent() string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.sent[len(tr.sent)-1]
}

type fixture struct {
	proc      *Processor
	store     *store.Store
	runner    *scriptedRunner
	transport *recordingTransport
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pool, err := db.Open(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	st, err := store.New(context.Background(), pool, logger.Default())
	require.NoError(t, err)

	runner := &scriptedRunner{}
	cfg := config.AssistantConfig{
		Command:         []string{"assistant"},
		WorkRoot:        t.TempDir(),
		CallTimeout:     10,
		IdleTimeout:     900,
		MaxMessageChars: 4096,
	}
	sp := sessionpool.New(runner, cfg, "http://localhost:8080", logger.Default())
	t.Cleanup(sp.CloseAll)

	tr := &recordingTransport{}
	resolver := transport.NewResolver()
	resolver.Register(tr)

	return &fixture{
		proc:      New(st, sp, resolver, nil, cfg, logger.Default()),
		store:     st,
		runner:    runner,
		transport: tr,
	}
}

func (f *fixture) createTenant(t *testing.T, id string, onboarding store.OnboardingStatus) {
	t.Helper()
	require.NoError(t, f.store.CreateTenant(context.Background(), &store.Tenant{
		ID:               id,
		Status:           store.TenantActive,
		MessagingChannel: "telegram",
		Onboarding:       onboarding,
	}))
}

func TestProcessIncomingRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.createTenant(t, "tenant-1", store.OnboardingComplete)
	ctx := context.Background()

	res := f.proc.ProcessIncoming(ctx, "tenant-1", "user-1", "hello there", "tm-1")
	require.True(t, res.Success, "error: %s", res.Error)
	assert.Equal(t, "re: hello there", res.Reply)
	assert.NotEmpty(t, res.ReplyMessageID)
	assert.Equal(t, "re: hello there", f.transport.lastSent())

	// Both sides of the exchange are persisted against the session.
	sess, err := f.store.FindActiveSession(ctx, "tenant-1", "user-1")
	require.NoError(t, err)
	msgs, err := f.store.ListSessionMessages(ctx, "tenant-1", sess.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.DirectionInbound, msgs[0].Direction)
	assert.Equal(t, "hello there", msgs[0].Content)
	assert.Equal(t, store.DirectionOutbound, msgs[1].Direction)
	assert.Equal(t, store.DeliverySent, msgs[1].DeliveryStatus)
}

func TestProcessIncomingValidation(t *testing.T) {
	f := newFixture(t)
	f.createTenant(t, "tenant-1", store.OnboardingComplete)
	ctx := context.Background()

	res := f.proc.ProcessIncoming(ctx, "tenant-1", "user-1", "   ", "tm-1")
	assert.False(t, res.Success)
	assert.Equal(t, "empty message", res.Error)

	long := strings.Repeat("x", 4097)
	res = f.proc.ProcessIncoming(ctx, "tenant-1", "user-1", long, "tm-2")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "4096")

	// Exactly at the limit is fine.
	res = f.proc.ProcessIncoming(ctx, "tenant-1", "user-1", strings.Repeat("x", 4096), "tm-3")
	assert.True(t, res.Success)
}

func TestProcessIncomingUnknownTenant(t *testing.T) {
	f := newFixture(t)
	res := f.proc.ProcessIncoming(context.Background(), "ghost", "user-1", "hi", "tm-1")
	assert.False(t, res.Success)
	assert.Equal(t, "unknown tenant", res.Error)
}

func TestProcessIncomingSuspendedTenant(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.CreateTenant(context.Background(), &store.Tenant{
		ID:               "tenant-1",
		Status:           store.TenantSuspended,
		MessagingChannel: "telegram",
		Onboarding:       store.OnboardingComplete,
	}))

	res := f.proc.ProcessIncoming(context.Background(), "tenant-1", "user-1", "hi", "tm-1")
	assert.False(t, res.Success)
	assert.Equal(t, "tenant suspended", res.Error)
}

func TestSlashResetStartsFreshSession(t *testing.T) {
	f := newFixture(t)
	f.createTenant(t, "tenant-1", store.OnboardingComplete)
	ctx := context.Background()

	res := f.proc.ProcessIncoming(ctx, "tenant-1", "user-1", "hello", "tm-1")
	require.True(t, res.Success)
	first, err := f.store.FindActiveSession(ctx, "tenant-1", "user-1")
	require.NoError(t, err)

	res = f.proc.ProcessIncoming(ctx, "tenant-1", "user-1", "/reset", "tm-2")
	require.True(t, res.Success)
	assert.Equal(t, replyFreshSession, res.Reply)

	second, err := f.store.FindActiveSession(ctx, "tenant-1", "user-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	// The command never reaches the assistant.
	for _, m := range f.runner.lastProc().messages() {
		assert.NotContains(t, m, "/reset")
	}
}

func TestSlashReonboard(t *testing.T) {
	f := newFixture(t)
	f.createTenant(t, "tenant-1", store.OnboardingComplete)
	ctx := context.Background()

	res := f.proc.ProcessIncoming(ctx, "tenant-1", "user-1", "/reonboard", "tm-1")
	require.True(t, res.Success)
	assert.Equal(t, replyReonboard, res.Reply)

	tenant, err := f.store.GetTenant(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, store.OnboardingDiscovery, tenant.Onboarding)
}

func TestSlashCancelWithoutActiveWork(t *testing.T) {
	f := newFixture(t)
	f.createTenant(t, "tenant-1", store.OnboardingComplete)

	res := f.proc.ProcessIncoming(context.Background(), "tenant-1", "user-1", "/cancel", "tm-1")
	require.True(t, res.Success)
	assert.Equal(t, replyNothingCancel, res.Reply)
}

func TestOnboardingBannerPrefixesPrompt(t *testing.T) {
	f := newFixture(t)
	f.createTenant(t, "tenant-1", store.OnboardingDiscovery)

	res := f.proc.ProcessIncoming(context.Background(), "tenant-1", "user-1", "what can you do", "tm-1")
	require.True(t, res.Success)

	got := f.runner.lastProc().messages()
	require.Len(t, got, 1)
	assert.True(t, strings.HasPrefix(got[0], "[ONBOARDING - DISCOVERY]"))
	assert.True(t, strings.HasSuffix(got[0], "what can you do"))
}

type stubConfirmer struct {
	handled bool
	reply   string
	got     string
}

func (s *stubConfirmer) HandlePendingReply(ctx context.Context, tenantID, userHandle, text string) (bool, string, error) {
	s.got = text
	return s.handled, s.reply, nil
}

func TestPendingConfirmationIntercepts(t *testing.T) {
	f := newFixture(t)
	f.createTenant(t, "tenant-1", store.OnboardingComplete)
	confirmer := &stubConfirmer{handled: true, reply: "Approved. Running the task now."}
	f.proc.SetConfirmationHandler(confirmer)

	res := f.proc.ProcessIncoming(context.Background(), "tenant-1", "user-1", "yes", "tm-1")
	require.True(t, res.Success)
	assert.Equal(t, "yes", confirmer.got)
	assert.Equal(t, "Approved. Running the task now.", res.Reply)
	// No assistant subprocess was involved.
	assert.Empty(t, f.runner.procs)
}

func TestAssistantTimeoutMapsToFixedReply(t *testing.T) {
	f := newFixture(t)
	f.createTenant(t, "tenant-1", store.OnboardingComplete)
	f.runner.reply = func(string) (string, error) { return "", assistant.ErrTimeout }

	res := f.proc.ProcessIncoming(context.Background(), "tenant-1", "user-1", "slow question", "tm-1")
	assert.False(t, res.Success)
	assert.Equal(t, replyTimedOut, res.Reply)
	assert.Equal(t, replyTimedOut, f.transport.lastSent())
	assert.NotEmpty(t, res.Error)
}

func TestDeliveryFailureMarksOutboundFailed(t *testing.T) {
	f := newFixture(t)
	f.createTenant(t, "tenant-1", store.OnboardingComplete)
	f.transport.fail = true
	ctx := context.Background()

	res := f.proc.ProcessIncoming(ctx, "tenant-1", "user-1", "hello", "tm-1")
	assert.False(t, res.Success)
	assert.Equal(t, "delivery failed", res.Error)

	sess, err := f.store.FindActiveSession(ctx, "tenant-1", "user-1")
	require.NoError(t, err)
	msgs, err := f.store.ListSessionMessages(ctx, "tenant-1", sess.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.DeliveryFailed, msgs[1].DeliveryStatus)
}

func TestDeliverPersistsOutboundMessage(t *testing.T) {
	f := newFixture(t)
	f.createTenant(t, "tenant-1", store.OnboardingComplete)
	ctx := context.Background()

	sess, err := f.store.CreateSession(ctx, "tenant-1", "user-1")
	require.NoError(t, err)

	tenant, err := f.store.GetTenant(ctx, "tenant-1")
	require.NoError(t, err)
	msgID, err := f.proc.Deliver(ctx, tenant, "user-1", "your 9am reminder: stand up")
	require.NoError(t, err)
	assert.NotEmpty(t, msgID)
	assert.Equal(t, "your 9am reminder: stand up", f.transport.lastSent())

	msgs, err := f.store.ListSessionMessages(ctx, "tenant-1", sess.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.DirectionOutbound, msgs[0].Direction)
	assert.Equal(t, store.DeliverySent, msgs[0].DeliveryStatus)
	assert.Equal(t, "your 9am reminder: stand up", msgs[0].Content)
}

func TestExecuteScheduledTaskEnvelopes(t *testing.T) {
	f := newFixture(t)
	f.createTenant(t, "tenant-1", store.OnboardingComplete)
	ctx := context.Background()

	out, err := f.proc.ExecuteScheduledTask(ctx, "tenant-1", "user-1", "drink water", store.TaskReminder, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, out)

	got := f.runner.lastProc().messages()
	require.Len(t, got, 1)
	assert.True(t, strings.HasPrefix(got[0], "SCHEDULED REMINDER"))
	assert.Contains(t, got[0], "drink water")

	_, err = f.proc.ExecuteScheduledTask(ctx, "tenant-1", "user-1", "summarize inbox",
		store.TaskExecute, []string{"older output", "newer output"})
	require.NoError(t, err)

	got = f.runner.lastProc().messages()
	require.Len(t, got, 2)
	assert.True(t, strings.HasPrefix(got[1], "SCHEDULED TASK - EXECUTE"))
	assert.Contains(t, got[1], "PREVIOUS OUTPUTS")
	assert.Contains(t, got[1], "1. older output")
	assert.Contains(t, got[1], "2. newer output")
}

func TestExecuteScheduledTaskPropagatesAssistantError(t *testing.T) {
	f := newFixture(t)
	f.createTenant(t, "tenant-1", store.OnboardingComplete)
	f.runner.reply = func(string) (string, error) {
		return "", &assistant.Error{Msg: "model refused"}
	}

	_, err := f.proc.ExecuteScheduledTask(context.Background(), "tenant-1", "user-1",
		"do something", store.TaskExecute, nil)
	require.Error(t, err)
	assert.True(t, IsAssistantError(err))
}
