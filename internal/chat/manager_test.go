package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AskChat/internal/backend"
	"AskChat/internal/history"
	"AskChat/internal/kvstore"
	"AskChat/internal/kvstore/kvstoretest"
	"AskChat/internal/quota"
	"AskChat/internal/request"
	"AskChat/internal/session"
)

// fakeAssistant answers "reply to <message>". Unless auto is set, each
// message waits for release or cancellation.
type fakeAssistant struct {
	mu      sync.Mutex
	calls   []backend.Payload
	auto    bool
	fail    error
	gates   map[string]chan struct{}
	started chan string
}

func newFakeAssistant(auto bool) *fakeAssistant {
	return &fakeAssistant{auto: auto, gates: make(map[string]chan struct{}), started: make(chan string, 64)}
}

func (f *fakeAssistant) Name() string { return "fake" }

func (f *fakeAssistant) gateLocked(msg string) chan struct{} {
	g, ok := f.gates[msg]
	if !ok {
		g = make(chan struct{})
		f.gates[msg] = g
	}
	return g
}

func (f *fakeAssistant) Ask(ctx context.Context, p backend.Payload) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, p)
	auto, fail, gate := f.auto, f.fail, f.gateLocked(p.Message)
	f.mu.Unlock()

	f.started <- p.Message
	if !auto {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if fail != nil {
		return "", fail
	}
	return "reply to " + p.Message, nil
}

func (f *fakeAssistant) release(msg string) {
	f.mu.Lock()
	g := f.gateLocked(msg)
	f.mu.Unlock()
	close(g)
}

func (f *fakeAssistant) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeAssistant) waitStarted(t *testing.T, msg string) {
	t.Helper()
	select {
	case got := <-f.started:
		require.Equal(t, msg, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("assistant never received %q", msg)
	}
}

type harness struct {
	manager   *Manager
	assistant *fakeAssistant
	repo      *history.Repository
	gate      *quota.Gate
	store     *kvstoretest.Flaky
}

func newHarness(t *testing.T, id session.Identity, limit int, auto bool, opts ...Option) *harness {
	t.Helper()
	store := kvstoretest.NewFlaky(kvstore.NewMemory())
	assistant := newFakeAssistant(auto)
	h := &harness{
		assistant: assistant,
		repo:      history.NewRepository(store, nil),
		gate:      quota.NewGate(store, limit, nil),
		store:     store,
	}
	h.manager = New(id, request.NewController(assistant), h.repo, h.gate, opts...)
	t.Cleanup(h.manager.Close)
	return h
}

type sendResult struct {
	outcome Outcome
	err     error
}

func sendAsync(m *Manager, text string) <-chan sendResult {
	ch := make(chan sendResult, 1)
	go func() {
		o, err := m.SendMessage(context.Background(), text)
		ch <- sendResult{o, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan sendResult) sendResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("send never returned")
		return sendResult{}
	}
}

var ada = session.Identity{User: "ada@example.com"}

func TestSendMessageAppendsUserAndReply(t *testing.T) {
	h := newHarness(t, ada, 0, true)
	ctx := context.Background()

	outcome, err := h.manager.SendMessage(ctx, "  hello  ")
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplied, outcome)

	st := h.manager.State()
	require.Len(t, st.Messages, 2)
	assert.Equal(t, session.Message{Role: session.RoleUser, Content: "hello"}, st.Messages[0])
	assert.Equal(t, session.Message{Role: session.RoleAssistant, Content: "reply to hello"}, st.Messages[1])
	assert.False(t, st.Loading)
	assert.NotEmpty(t, st.ActiveConversationID)

	convs := h.repo.Load(ctx, ada.User)
	require.Len(t, convs, 1)
	assert.Equal(t, st.ActiveConversationID, convs[0].ID)
	assert.Equal(t, "hello", convs[0].Title)
	assert.Len(t, convs[0].Messages, 2)
}

func TestSendMessageCarriesContext(t *testing.T) {
	h := newHarness(t, ada, 0, true, WithSystemPrompt("be terse"))
	ctx := context.Background()

	_, err := h.manager.SendMessage(ctx, "first")
	require.NoError(t, err)
	_, err = h.manager.SendMessage(ctx, "second")
	require.NoError(t, err)

	h.assistant.mu.Lock()
	last := h.assistant.calls[1]
	h.assistant.mu.Unlock()
	assert.Equal(t, "second", last.Message)
	assert.Equal(t, "be terse", last.SystemPrompt)
	require.Len(t, last.History, 2)
	assert.Equal(t, "first", last.History[0].Content)
	assert.Equal(t, "reply to first", last.History[1].Content)

	assert.Len(t, h.manager.State().Messages, 4)
	assert.Len(t, h.repo.Load(ctx, ada.User), 1, "one conversation updated in place")
}

func TestEmptyMessageIsSkipped(t *testing.T) {
	h := newHarness(t, session.Identity{}, 2, true)

	outcome, err := h.manager.SendMessage(context.Background(), "   \n\t")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Equal(t, State{Messages: []session.Message{}}, h.manager.State())
	assert.Zero(t, h.assistant.callCount())
	assert.Equal(t, 2, h.manager.Remaining(context.Background()))
}

func TestFailureAppendsNotice(t *testing.T) {
	h := newHarness(t, ada, 0, true)
	h.assistant.fail = errors.New("connection refused")

	outcome, err := h.manager.SendMessage(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	st := h.manager.State()
	require.Len(t, st.Messages, 2)
	assert.Equal(t, session.RoleAssistant, st.Messages[1].Role)
	assert.Equal(t, ConnectivityNotice, st.Messages[1].Content)
	assert.False(t, st.Loading)

	// the conversation stays usable
	h.assistant.mu.Lock()
	h.assistant.fail = nil
	h.assistant.mu.Unlock()
	outcome, err = h.manager.SendMessage(context.Background(), "retry")
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplied, outcome)
	assert.Len(t, h.manager.State().Messages, 4)
}

func TestNewerSendSupersedesOlder(t *testing.T) {
	h := newHarness(t, ada, 0, false)

	first := sendAsync(h.manager, "one")
	h.assistant.waitStarted(t, "one")

	st := h.manager.State()
	require.Len(t, st.Messages, 1, "user turn is visible before the reply")
	assert.True(t, st.Loading)

	second := sendAsync(h.manager, "two")
	h.assistant.waitStarted(t, "two")

	r1 := await(t, first)
	require.NoError(t, r1.err)
	assert.Equal(t, OutcomeCancelled, r1.outcome)
	assert.True(t, h.manager.State().Loading, "cancelled send must not clear loading")

	h.assistant.release("two")
	r2 := await(t, second)
	require.NoError(t, r2.err)
	assert.Equal(t, OutcomeReplied, r2.outcome)

	st = h.manager.State()
	require.Len(t, st.Messages, 3)
	assert.Equal(t, "one", st.Messages[0].Content)
	assert.Equal(t, "two", st.Messages[1].Content)
	assert.Equal(t, "reply to two", st.Messages[2].Content)
	assert.False(t, st.Loading)
}

func TestRapidSendsApplyOnlyLast(t *testing.T) {
	h := newHarness(t, ada, 0, false)
	msgs := []string{"a", "b", "c", "d"}

	results := make([]<-chan sendResult, 0, len(msgs))
	for _, msg := range msgs {
		results = append(results, sendAsync(h.manager, msg))
		h.assistant.waitStarted(t, msg)
	}
	h.assistant.release("d")

	assistantTurns := 0
	for i, ch := range results {
		r := await(t, ch)
		require.NoError(t, r.err)
		if i == len(msgs)-1 {
			assert.Equal(t, OutcomeReplied, r.outcome)
		} else {
			assert.Equal(t, OutcomeCancelled, r.outcome)
		}
	}
	for _, m := range h.manager.State().Messages {
		if m.Role == session.RoleAssistant {
			assistantTurns++
			assert.Equal(t, "reply to d", m.Content)
		}
	}
	assert.Equal(t, 1, assistantTurns)
}

func TestAnonymousQuotaScenario(t *testing.T) {
	h := newHarness(t, session.Identity{}, 2, true)
	ctx := context.Background()

	_, err := h.manager.SendMessage(ctx, "hi")
	require.NoError(t, err)
	assert.Equal(t, 1, h.manager.Remaining(ctx))

	_, err = h.manager.SendMessage(ctx, "again")
	require.NoError(t, err)
	assert.Equal(t, 0, h.manager.Remaining(ctx))
	assert.True(t, h.gate.Exhausted(ctx, session.Identity{}))

	before := h.manager.State()
	outcome, err := h.manager.SendMessage(ctx, "x")
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Equal(t, before, h.manager.State())
	assert.Equal(t, 2, h.assistant.callCount())
}

func TestQuotaCountsFailedAttempts(t *testing.T) {
	h := newHarness(t, session.Identity{}, 3, true)
	h.assistant.fail = errors.New("down")

	_, err := h.manager.SendMessage(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, 2, h.manager.Remaining(context.Background()))
}

func TestDurableIdentityIgnoresQuota(t *testing.T) {
	h := newHarness(t, ada, 1, true)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.manager.SendMessage(ctx, "hi")
		require.NoError(t, err)
	}
	assert.Equal(t, quota.Unlimited, h.manager.Remaining(ctx))
}

func TestAnonymousConversationsAreNotPersisted(t *testing.T) {
	h := newHarness(t, session.Identity{}, 5, true)
	ctx := context.Background()

	_, err := h.manager.SendMessage(ctx, "hi")
	require.NoError(t, err)
	require.NoError(t, h.manager.StartNewConversation(ctx))

	assert.Empty(t, h.manager.History(ctx))
	_, ok, err := h.store.Get(ctx, "chatHistory_")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStartNewConversationWithEmptySession(t *testing.T) {
	h := newHarness(t, ada, 0, true)
	ctx := context.Background()

	require.NoError(t, h.manager.StartNewConversation(ctx))

	_, ok, err := h.store.Get(ctx, "chatHistory_"+ada.User)
	require.NoError(t, err)
	assert.False(t, ok, "empty conversations are never persisted")
	assert.Equal(t, State{Messages: []session.Message{}}, h.manager.State())
}

func TestStartNewConversationKeepsPrevious(t *testing.T) {
	h := newHarness(t, ada, 0, true)
	ctx := context.Background()

	_, err := h.manager.SendMessage(ctx, "first chat")
	require.NoError(t, err)
	firstID := h.manager.State().ActiveConversationID

	require.NoError(t, h.manager.StartNewConversation(ctx))
	assert.Equal(t, State{Messages: []session.Message{}}, h.manager.State())

	_, err = h.manager.SendMessage(ctx, "second chat")
	require.NoError(t, err)
	secondID := h.manager.State().ActiveConversationID
	assert.NotEqual(t, firstID, secondID)

	convs := h.manager.History(ctx)
	require.Len(t, convs, 2)
	assert.Equal(t, secondID, convs[0].ID)
	assert.Equal(t, firstID, convs[1].ID)
}

func TestStartNewConversationAbandonsInFlight(t *testing.T) {
	h := newHarness(t, ada, 0, false)
	ctx := context.Background()

	pending := sendAsync(h.manager, "slow")
	h.assistant.waitStarted(t, "slow")
	require.NoError(t, h.manager.StartNewConversation(ctx))

	r := await(t, pending)
	assert.Equal(t, OutcomeCancelled, r.outcome)
	assert.Equal(t, State{Messages: []session.Message{}}, h.manager.State())

	convs := h.manager.History(ctx)
	require.Len(t, convs, 1)
	assert.Len(t, convs[0].Messages, 1)
}

func TestLoadConversation(t *testing.T) {
	h := newHarness(t, ada, 0, true)
	ctx := context.Background()

	_, err := h.manager.SendMessage(ctx, "old topic")
	require.NoError(t, err)
	oldID := h.manager.State().ActiveConversationID
	require.NoError(t, h.manager.StartNewConversation(ctx))
	_, err = h.manager.SendMessage(ctx, "new topic")
	require.NoError(t, err)
	newID := h.manager.State().ActiveConversationID

	require.NoError(t, h.manager.LoadConversation(ctx, oldID))
	st := h.manager.State()
	assert.Equal(t, oldID, st.ActiveConversationID)
	require.Len(t, st.Messages, 2)
	assert.Equal(t, "old topic", st.Messages[0].Content)

	// the conversation left behind was kept
	_, found := h.repo.Get(ctx, ada.User, newID)
	assert.True(t, found)

	// unknown ids are ignored
	require.NoError(t, h.manager.LoadConversation(ctx, "conv_missing"))
	assert.Equal(t, st, h.manager.State())

	_, err = h.manager.SendMessage(ctx, "continue")
	require.NoError(t, err)
	convs := h.manager.History(ctx)
	assert.Equal(t, oldID, convs[0].ID, "continued conversation moves to the front")
	assert.Len(t, convs[0].Messages, 4)
}

func TestDeleteConversation(t *testing.T) {
	h := newHarness(t, ada, 0, true)
	ctx := context.Background()

	_, err := h.manager.SendMessage(ctx, "keep me")
	require.NoError(t, err)
	keepID := h.manager.State().ActiveConversationID
	require.NoError(t, h.manager.StartNewConversation(ctx))
	_, err = h.manager.SendMessage(ctx, "drop me")
	require.NoError(t, err)
	dropID := h.manager.State().ActiveConversationID

	require.NoError(t, h.manager.DeleteConversation(ctx, keepID))
	assert.Equal(t, dropID, h.manager.State().ActiveConversationID, "deleting another conversation keeps the session")

	require.NoError(t, h.manager.DeleteConversation(ctx, dropID))
	assert.Equal(t, State{Messages: []session.Message{}}, h.manager.State())
	assert.Empty(t, h.manager.History(ctx))
}

func TestIngestSeedIsIdempotent(t *testing.T) {
	h := newHarness(t, session.Identity{}, 5, true)
	ctx := context.Background()
	seed := Seed{ID: "landing-1", Text: "hello"}

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 2)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o, err := h.manager.IngestSeed(ctx, seed)
			assert.NoError(t, err)
			outcomes[i] = o
		}(i)
	}
	wg.Wait()

	assert.ElementsMatch(t, []Outcome{OutcomeReplied, OutcomeSkipped}, outcomes)
	assert.Equal(t, 1, h.assistant.callCount())
	st := h.manager.State()
	require.Len(t, st.Messages, 2)
	assert.Equal(t, "hello", st.Messages[0].Content)
	assert.Equal(t, 4, h.manager.Remaining(ctx))
}

func TestIngestSeedStartsFreshConversation(t *testing.T) {
	h := newHarness(t, ada, 0, true)
	ctx := context.Background()

	_, err := h.manager.SendMessage(ctx, "existing")
	require.NoError(t, err)
	existingID := h.manager.State().ActiveConversationID

	outcome, err := h.manager.IngestSeed(ctx, Seed{ID: "s", Text: "from landing"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplied, outcome)

	st := h.manager.State()
	assert.NotEqual(t, existingID, st.ActiveConversationID)
	require.Len(t, st.Messages, 2)
	assert.Len(t, h.manager.History(ctx), 2)
}

func TestCloseCancelsInFlight(t *testing.T) {
	h := newHarness(t, ada, 0, false)
	ctx := context.Background()

	pending := sendAsync(h.manager, "hello")
	h.assistant.waitStarted(t, "hello")
	h.manager.Close()

	r := await(t, pending)
	require.NoError(t, r.err)
	assert.Equal(t, OutcomeCancelled, r.outcome)
	assert.Len(t, h.manager.State().Messages, 1, "no late write after teardown")

	_, err := h.manager.SendMessage(ctx, "again")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, h.manager.StartNewConversation(ctx), ErrClosed)
	assert.ErrorIs(t, h.manager.LoadConversation(ctx, "x"), ErrClosed)
	assert.ErrorIs(t, h.manager.DeleteConversation(ctx, "x"), ErrClosed)
	_, err = h.manager.IngestSeed(ctx, Seed{ID: "s", Text: "x"})
	assert.ErrorIs(t, err, ErrClosed)
	h.manager.Close()
}

func TestSwitchIdentityIsolatesHistory(t *testing.T) {
	h := newHarness(t, ada, 0, true)
	ctx := context.Background()

	_, err := h.manager.SendMessage(ctx, "ada's question")
	require.NoError(t, err)

	bob := session.Identity{User: "bob@example.com"}
	require.NoError(t, h.manager.SwitchIdentity(ctx, bob))
	assert.Equal(t, bob, h.manager.Identity())
	assert.Empty(t, h.manager.History(ctx))
	assert.Empty(t, h.manager.State().Messages)

	_, err = h.manager.SendMessage(ctx, "bob's question")
	require.NoError(t, err)
	require.Len(t, h.manager.History(ctx), 1)

	require.NoError(t, h.manager.SwitchIdentity(ctx, ada))
	convs := h.manager.History(ctx)
	require.Len(t, convs, 1)
	assert.Equal(t, "ada's question", convs[0].Title)
}

func TestListenerSeesEveryChange(t *testing.T) {
	var mu sync.Mutex
	var states []State
	h := newHarness(t, ada, 0, true, WithListener(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	}))

	_, err := h.manager.SendMessage(context.Background(), "hi")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, states, 2)
	assert.True(t, states[0].Loading)
	assert.Len(t, states[0].Messages, 1)
	assert.False(t, states[1].Loading)
	assert.Len(t, states[1].Messages, 2)
}

func TestStateIsASnapshot(t *testing.T) {
	h := newHarness(t, ada, 0, true)
	_, err := h.manager.SendMessage(context.Background(), "hi")
	require.NoError(t, err)

	st := h.manager.State()
	st.Messages[0].Content = "tampered"
	assert.Equal(t, "hi", h.manager.State().Messages[0].Content)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "skipped", OutcomeSkipped.String())
	assert.Equal(t, "replied", OutcomeReplied.String())
	assert.Equal(t, "failed", OutcomeFailed.String())
	assert.Equal(t, "cancelled", OutcomeCancelled.String())
	assert.Equal(t, "unknown", Outcome(9).String())
}

func TestLoadConversationWithCancelledContext(t *testing.T) {
	h := newHarness(t, ada, 0, true)
	ctx := context.Background()

	_, err := h.manager.SendMessage(ctx, "old topic")
	require.NoError(t, err)
	oldID := h.manager.State().ActiveConversationID
	require.NoError(t, h.manager.StartNewConversation(ctx))
	_, err = h.manager.SendMessage(ctx, "new topic")
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.NoError(t, h.manager.LoadConversation(cancelled, oldID))

	st := h.manager.State()
	assert.Equal(t, oldID, st.ActiveConversationID)
	require.Len(t, st.Messages, 2)
	assert.Equal(t, "old topic", st.Messages[0].Content)
}

func TestSendKeepsHistoryWhenReadFails(t *testing.T) {
	h := newHarness(t, ada, 0, true)
	ctx := context.Background()

	_, err := h.manager.SendMessage(ctx, "first topic")
	require.NoError(t, err)
	firstID := h.manager.State().ActiveConversationID
	require.NoError(t, h.manager.StartNewConversation(ctx))
	_, err = h.manager.SendMessage(ctx, "second topic")
	require.NoError(t, err)

	h.store.FailGets(1)
	outcome, err := h.manager.SendMessage(ctx, "more")
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplied, outcome)

	convs := h.manager.History(ctx)
	require.Len(t, convs, 2)
	assert.Len(t, convs[0].Messages, 4)
	_, found := h.repo.Get(ctx, ada.User, firstID)
	assert.True(t, found, "other conversations survive a failed read")
}

func TestGuestRefusedWhenQuotaUnreadable(t *testing.T) {
	h := newHarness(t, session.Identity{}, 5, true)
	ctx := context.Background()

	h.store.FailGets(1)
	outcome, err := h.manager.SendMessage(ctx, "hi")
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Zero(t, h.assistant.callCount())
	assert.Empty(t, h.manager.State().Messages)

	_, err = h.manager.SendMessage(ctx, "hi")
	require.NoError(t, err)
	assert.Equal(t, 4, h.manager.Remaining(ctx))
}

func TestGuestSendWithCancelledContextIsCounted(t *testing.T) {
	h := newHarness(t, session.Identity{}, 1, true)
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.manager.SendMessage(cancelled, "hi")
	require.NoError(t, err)
	assert.Equal(t, 0, h.manager.Remaining(context.Background()))

	_, err = h.manager.SendMessage(cancelled, "again")
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestSeedOpensItsOwnConversationDuringConcurrentSends(t *testing.T) {
	const seedText = "from landing"
	for i := 0; i < 20; i++ {
		var mu sync.Mutex
		var states []State
		h := newHarness(t, ada, 0, true, WithListener(func(s State) {
			mu.Lock()
			defer mu.Unlock()
			states = append(states, s)
		}))
		ctx := context.Background()
		_, err := h.manager.SendMessage(ctx, "existing")
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := h.manager.IngestSeed(ctx, Seed{ID: fmt.Sprintf("seed-%d", i), Text: seedText})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := h.manager.SendMessage(ctx, "racer")
			assert.NoError(t, err)
		}()
		wg.Wait()

		mu.Lock()
		for _, st := range states {
			for j, msg := range st.Messages {
				if msg.Content == seedText {
					assert.Zero(t, j, "seed must open its conversation: %v", st.Messages)
				}
			}
		}
		mu.Unlock()

		for _, conv := range h.manager.History(ctx) {
			for j, msg := range conv.Messages {
				if msg.Content == seedText {
					assert.Zero(t, j)
				}
			}
		}
	}
}
