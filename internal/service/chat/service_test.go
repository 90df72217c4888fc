package chat_test

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-coach/backend/internal/model/chat"
	"github.com/zhouzirui/z-coach/backend/internal/model/scenario"
	"github.com/zhouzirui/z-coach/backend/internal/model/speech"
	chatsvc "github.com/zhouzirui/z-coach/backend/internal/service/chat"
	"github.com/zhouzirui/z-coach/backend/internal/service/notify"
	"github.com/zhouzirui/z-coach/backend/internal/store"
)

type harness struct {
	svc        *chatsvc.Service
	store      *store.MemoryStore
	notifier   *notify.Notifier
	dispatcher *chatsvc.Dispatcher
}

type harnessOption func(*chatsvc.Options, *chatsvc.DispatcherConfig)

func withTranscriber(tr chatsvc.Transcriber) harnessOption {
	return func(o *chatsvc.Options, _ *chatsvc.DispatcherConfig) { o.Transcriber = tr }
}

func withLongPoll(d time.Duration) harnessOption {
	return func(o *chatsvc.Options, _ *chatsvc.DispatcherConfig) { o.LongPollWait = d }
}

func withTurnTimeout(d time.Duration) harnessOption {
	return func(_ *chatsvc.Options, c *chatsvc.DispatcherConfig) { c.TurnTimeout = d }
}

func newHarness(t *testing.T, producer chatsvc.Producer, opts ...harnessOption) harness {
	t.Helper()
	st := store.NewMemoryStore()
	notifier := notify.NewNotifier()

	options := chatsvc.Options{
		Store:     st,
		Notifier:  notifier,
		Scenarios: scenario.NewMemoryStore(scenario.Seed()),
	}
	cfg := chatsvc.DispatcherConfig{TurnTimeout: 5 * time.Second, MaxConcurrency: 4}
	for _, opt := range opts {
		opt(&options, &cfg)
	}
	dispatcher := chatsvc.NewDispatcher(st, producer, notifier, cfg)
	options.Dispatcher = dispatcher

	svc, err := chatsvc.NewService(options)
	require.NoError(t, err)
	t.Cleanup(func() {
		dispatcher.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = dispatcher.Wait(ctx)
	})
	return harness{svc: svc, store: st, notifier: notifier, dispatcher: dispatcher}
}

func echoProducer() chatsvc.Producer {
	return chatsvc.ProducerFunc(func(_ context.Context, req chatsvc.ProduceRequest) (chat.Completion, error) {
		return chat.Completion{
			Content: chat.Content{Text: "echo: " + req.UserTurn.Content.Text, Translation: "回声"},
			Metrics: &chat.Metrics{DurationMs: 500},
			UserIssues: []chat.Issue{
				{Type: chat.IssueGrammar, Original: "goed", Suggested: "went", Severity: chat.SeverityMedium},
			},
		}, nil
	})
}

// gatedProducer blocks until release is closed.
type gatedProducer struct {
	release chan struct{}
	started chan struct{}
}

func newGatedProducer() *gatedProducer {
	return &gatedProducer{release: make(chan struct{}), started: make(chan struct{}, 16)}
}

func (p *gatedProducer) Produce(ctx context.Context, _ chatsvc.ProduceRequest) (chat.Completion, error) {
	p.started <- struct{}{}
	select {
	case <-p.release:
		return chat.Completion{Content: chat.Content{Text: "done"}}, nil
	case <-ctx.Done():
		return chat.Completion{}, ctx.Err()
	}
}

func requireKind(t *testing.T, err error, kind chatsvc.Kind) {
	t.Helper()
	require.Error(t, err)
	var svcErr *chatsvc.Error
	require.True(t, errors.As(err, &svcErr), "expected *chat.Error, got %T", err)
	require.Equal(t, kind, svcErr.Kind)
}

func TestSend_CreatesPairAndCompletesAsync(t *testing.T) {
	h := newHarness(t, echoProducer())
	ctx := context.Background()

	c, err := h.svc.CreateChat(ctx, "alice", chatsvc.CreateChatInput{ScenarioID: "cafe-order"})
	require.NoError(t, err)
	require.Equal(t, "en-US", c.Language)
	require.Equal(t, "cafe-order", c.ScenarioID)

	res, err := h.svc.Send(ctx, "alice", c.ID, chatsvc.SendInput{Message: "I goed to the cafe"})
	require.NoError(t, err)
	require.Equal(t, chat.StatusCompleted, res.UserTurn.Status)
	require.Equal(t, chat.SpeakerUser, res.UserTurn.Speaker)
	require.Equal(t, chat.StatusProcessing, res.AssistantTurn.Status)
	require.Equal(t, res.UserTurn.ID+1, res.AssistantTurn.ID)

	turn, err := h.svc.WaitTurn(ctx, "alice", c.ID, res.AssistantTurn.ID)
	require.NoError(t, err)
	require.Equal(t, chat.StatusCompleted, turn.Status)
	require.Equal(t, "echo: I goed to the cafe", turn.Content.Text)
	require.NotNil(t, turn.Metrics)

	issues, err := h.svc.ListTurnIssues(ctx, "alice", res.UserTurn.ID)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	require.Equal(t, chat.SeverityMedium, issues[0].Severity)

	chatIssues, err := h.svc.ListChatIssues(ctx, "alice", c.ID)
	require.NoError(t, err)
	require.Len(t, chatIssues, 1)

	got, err := h.svc.GetChat(ctx, "alice", c.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.Stats.IssueCount)
	require.Equal(t, 2, got.Stats.TurnCount)
}

func TestSend_ValidationWritesNothing(t *testing.T) {
	h := newHarness(t, echoProducer())
	ctx := context.Background()
	c, err := h.svc.CreateChat(ctx, "alice", chatsvc.CreateChatInput{})
	require.NoError(t, err)

	_, err = h.svc.Send(ctx, "alice", c.ID, chatsvc.SendInput{Message: "   "})
	requireKind(t, err, chatsvc.KindValidation)
	_, err = h.svc.Send(ctx, "alice", c.ID, chatsvc.SendInput{Type: "video", Message: "hi"})
	requireKind(t, err, chatsvc.KindValidation)
	_, err = h.svc.Send(ctx, "alice", c.ID, chatsvc.SendInput{Type: "audio", AudioBase64: "%%%"})
	requireKind(t, err, chatsvc.KindValidation)
	_, err = h.svc.Send(ctx, "alice", c.ID, chatsvc.SendInput{Type: "audio", AudioBase64: base64.StdEncoding.EncodeToString([]byte("pcm"))})
	requireKind(t, err, chatsvc.KindValidation)

	page, err := h.svc.ListTurns(ctx, "alice", c.ID, chat.TurnQuery{})
	require.NoError(t, err)
	require.Zero(t, page.Total)
}

func TestSend_OwnershipAndMissingChat(t *testing.T) {
	h := newHarness(t, echoProducer())
	ctx := context.Background()
	c, err := h.svc.CreateChat(ctx, "alice", chatsvc.CreateChatInput{})
	require.NoError(t, err)

	_, err = h.svc.Send(ctx, "bob", c.ID, chatsvc.SendInput{Message: "hi"})
	requireKind(t, err, chatsvc.KindAuthorization)
	_, err = h.svc.Send(ctx, "alice", "missing", chatsvc.SendInput{Message: "hi"})
	requireKind(t, err, chatsvc.KindNotFound)
	_, err = h.svc.CreateChat(ctx, "alice", chatsvc.CreateChatInput{ScenarioID: "nope"})
	requireKind(t, err, chatsvc.KindValidation)
}

func TestSend_AudioIsTranscribed(t *testing.T) {
	tr := transcriberFunc(func(_ context.Context, req speech.TranscribeRequest) (speech.Transcript, error) {
		require.Equal(t, []byte("pcm-bytes"), req.Audio)
		require.Equal(t, "wav", req.Format)
		require.Equal(t, "en-US", req.Language)
		require.NotEmpty(t, req.ConnectID)
		return speech.Transcript{Text: "one two three four", DurationMs: 2000}, nil
	})
	h := newHarness(t, echoProducer(), withTranscriber(tr))
	ctx := context.Background()
	c, err := h.svc.CreateChat(ctx, "alice", chatsvc.CreateChatInput{})
	require.NoError(t, err)

	res, err := h.svc.Send(ctx, "alice", c.ID, chatsvc.SendInput{
		Type:        "audio",
		AudioBase64: "data:audio/wav;base64," + base64.StdEncoding.EncodeToString([]byte("pcm-bytes")),
		AudioFormat: "wav",
	})
	require.NoError(t, err)
	require.Equal(t, "one two three four", res.UserTurn.Content.Text)
	require.NotNil(t, res.UserTurn.Metrics)
	require.Equal(t, int64(2000), res.UserTurn.Metrics.DurationMs)
	require.InDelta(t, 120.0, res.UserTurn.Metrics.WordsPerMinute, 0.001)
}

func TestSend_DoesNotBlockOnProducer(t *testing.T) {
	p := newGatedProducer()
	h := newHarness(t, p, withLongPoll(50*time.Millisecond))
	ctx := context.Background()
	c, err := h.svc.CreateChat(ctx, "alice", chatsvc.CreateChatInput{})
	require.NoError(t, err)

	res, err := h.svc.Send(ctx, "alice", c.ID, chatsvc.SendInput{Message: "hello"})
	require.NoError(t, err)
	<-p.started

	turn, err := h.svc.WaitTurn(ctx, "alice", c.ID, res.AssistantTurn.ID)
	require.NoError(t, err)
	require.Equal(t, chat.StatusProcessing, turn.Status)

	close(p.release)
	require.Eventually(t, func() bool {
		turn, err := h.svc.WaitTurn(ctx, "alice", c.ID, res.AssistantTurn.ID)
		return err == nil && turn.Status == chat.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWaitTurn_ReturnsPromptlyAfterCompletion(t *testing.T) {
	p := newGatedProducer()
	h := newHarness(t, p, withLongPoll(10*time.Second))
	ctx := context.Background()
	c, err := h.svc.CreateChat(ctx, "alice", chatsvc.CreateChatInput{})
	require.NoError(t, err)
	res, err := h.svc.Send(ctx, "alice", c.ID, chatsvc.SendInput{Message: "hello"})
	require.NoError(t, err)
	<-p.started

	time.AfterFunc(100*time.Millisecond, func() { close(p.release) })

	start := time.Now()
	turn, err := h.svc.WaitTurn(ctx, "alice", c.ID, res.AssistantTurn.ID)
	require.NoError(t, err)
	require.Equal(t, chat.StatusCompleted, turn.Status)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestWaitTurn_Checks(t *testing.T) {
	h := newHarness(t, echoProducer())
	ctx := context.Background()
	mine, err := h.svc.CreateChat(ctx, "alice", chatsvc.CreateChatInput{})
	require.NoError(t, err)
	other, err := h.svc.CreateChat(ctx, "alice", chatsvc.CreateChatInput{})
	require.NoError(t, err)
	res, err := h.svc.Send(ctx, "alice", mine.ID, chatsvc.SendInput{Message: "hello"})
	require.NoError(t, err)

	_, err = h.svc.WaitTurn(ctx, "bob", mine.ID, res.AssistantTurn.ID)
	requireKind(t, err, chatsvc.KindAuthorization)
	_, err = h.svc.WaitTurn(ctx, "alice", other.ID, res.AssistantTurn.ID)
	requireKind(t, err, chatsvc.KindNotFound)
	_, err = h.svc.WaitTurn(ctx, "alice", mine.ID, 9999)
	requireKind(t, err, chatsvc.KindNotFound)
}

func TestProducerFailuresAreRecordedOnTurn(t *testing.T) {
	cases := []struct {
		name     string
		producer chatsvc.Producer
		timeout  time.Duration
		code     string
	}{
		{
			name: "plain error",
			producer: chatsvc.ProducerFunc(func(context.Context, chatsvc.ProduceRequest) (chat.Completion, error) {
				return chat.Completion{}, errors.New("model exploded")
			}),
			code: chat.ErrorCodeProducer,
		},
		{
			name: "content rejected",
			producer: chatsvc.ProducerFunc(func(context.Context, chatsvc.ProduceRequest) (chat.Completion, error) {
				return chat.Completion{}, chatsvc.NewProduceError(chat.ErrorCodeContentRejected, errors.New("filtered"))
			}),
			code: chat.ErrorCodeContentRejected,
		},
		{
			name:     "timeout",
			producer: newGatedProducer(),
			timeout:  30 * time.Millisecond,
			code:     chat.ErrorCodeTimeout,
		},
		{
			name: "panic",
			producer: chatsvc.ProducerFunc(func(context.Context, chatsvc.ProduceRequest) (chat.Completion, error) {
				panic("boom")
			}),
			code: chat.ErrorCodeProducer,
		},
		{
			name: "not configured",
			code: chat.ErrorCodeUnavailable,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var opts []harnessOption
			if tc.timeout > 0 {
				opts = append(opts, withTurnTimeout(tc.timeout))
			}
			h := newHarness(t, tc.producer, opts...)
			ctx := context.Background()
			c, err := h.svc.CreateChat(ctx, "alice", chatsvc.CreateChatInput{})
			require.NoError(t, err)

			res, err := h.svc.Send(ctx, "alice", c.ID, chatsvc.SendInput{Message: "hello"})
			require.NoError(t, err)

			turn, err := h.svc.WaitTurn(ctx, "alice", c.ID, res.AssistantTurn.ID)
			require.NoError(t, err)
			require.Equal(t, chat.StatusError, turn.Status)
			require.Equal(t, tc.code, turn.ErrorCode)
			require.NotEmpty(t, turn.ErrorDetail)
		})
	}
}

func TestProducerSurvivesRequestCancellation(t *testing.T) {
	p := newGatedProducer()
	h := newHarness(t, p)
	c, err := h.svc.CreateChat(context.Background(), "alice", chatsvc.CreateChatInput{})
	require.NoError(t, err)

	reqCtx, cancel := context.WithCancel(context.Background())
	res, err := h.svc.Send(reqCtx, "alice", c.ID, chatsvc.SendInput{Message: "hello"})
	require.NoError(t, err)
	<-p.started
	cancel()
	close(p.release)

	turn, err := h.svc.WaitTurn(context.Background(), "alice", c.ID, res.AssistantTurn.ID)
	require.NoError(t, err)
	require.Equal(t, chat.StatusCompleted, turn.Status)
}

func TestListTurns_Validation(t *testing.T) {
	h := newHarness(t, echoProducer())
	ctx := context.Background()
	c, err := h.svc.CreateChat(ctx, "alice", chatsvc.CreateChatInput{})
	require.NoError(t, err)

	after, before := int64(1), int64(5)
	_, err = h.svc.ListTurns(ctx, "alice", c.ID, chat.TurnQuery{AfterID: &after, BeforeID: &before})
	requireKind(t, err, chatsvc.KindValidation)
	_, err = h.svc.ListTurns(ctx, "bob", c.ID, chat.TurnQuery{})
	requireKind(t, err, chatsvc.KindAuthorization)
	_, err = h.svc.ListUserTurns(ctx, "alice", chat.TurnQuery{Limit: -1})
	requireKind(t, err, chatsvc.KindValidation)
}

func TestLifecycle(t *testing.T) {
	h := newHarness(t, echoProducer())
	ctx := context.Background()
	c, err := h.svc.CreateChat(ctx, "alice", chatsvc.CreateChatInput{Title: "Practice"})
	require.NoError(t, err)
	require.Equal(t, "Practice", c.Title)

	res, err := h.svc.Send(ctx, "alice", c.ID, chatsvc.SendInput{Message: "hello"})
	require.NoError(t, err)
	_, err = h.svc.WaitTurn(ctx, "alice", c.ID, res.AssistantTurn.ID)
	require.NoError(t, err)

	requireKind(t, h.svc.DeleteTurn(ctx, "bob", res.UserTurn.ID), chatsvc.KindAuthorization)
	require.NoError(t, h.svc.DeleteTurn(ctx, "alice", res.UserTurn.ID))
	requireKind(t, h.svc.DeleteTurn(ctx, "alice", res.UserTurn.ID), chatsvc.KindNotFound)

	page, err := h.svc.ListUserTurns(ctx, "alice", chat.TurnQuery{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Equal(t, res.AssistantTurn.ID, page.Items[0].ID)

	require.NoError(t, h.svc.ResetChat(ctx, "alice", c.ID))
	require.NoError(t, h.svc.ResetChat(ctx, "alice", c.ID))
	requireKind(t, h.svc.ResetChat(ctx, "bob", c.ID), chatsvc.KindAuthorization)

	require.NoError(t, h.svc.ClearChats(ctx, "alice"))
	chats, err := h.svc.ListChats(ctx, "alice")
	require.NoError(t, err)
	require.Empty(t, chats)
}

func TestClearChats_WakesWaiters(t *testing.T) {
	p := newGatedProducer()
	defer close(p.release)
	h := newHarness(t, p, withLongPoll(10*time.Second))
	ctx := context.Background()
	c, err := h.svc.CreateChat(ctx, "alice", chatsvc.CreateChatInput{})
	require.NoError(t, err)
	res, err := h.svc.Send(ctx, "alice", c.ID, chatsvc.SendInput{Message: "hello"})
	require.NoError(t, err)
	<-p.started

	errs := make(chan error, 1)
	go func() {
		_, err := h.svc.WaitTurn(ctx, "alice", c.ID, res.AssistantTurn.ID)
		errs <- err
	}()
	require.Eventually(t, func() bool { return h.notifier.Pending() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.svc.ClearChats(ctx, "alice"))

	select {
	case err := <-errs:
		requireKind(t, err, chatsvc.KindNotFound)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not woken after chats were cleared")
	}
}

func TestDispatcher_WaitDrainsAndCloseRejects(t *testing.T) {
	st := store.NewMemoryStore()
	notifier := notify.NewNotifier()
	p := newGatedProducer()
	d := chatsvc.NewDispatcher(st, p, notifier, chatsvc.DispatcherConfig{TurnTimeout: 5 * time.Second})
	ctx := context.Background()

	c, err := st.CreateChat(ctx, chat.Chat{OwnerID: "alice"})
	require.NoError(t, err)
	pair := func() (chat.Turn, chat.Turn) {
		u, a, err := st.InsertTurnPair(ctx,
			chat.Turn{ChatID: c.ID, OwnerID: "alice", Speaker: chat.SpeakerUser, Status: chat.StatusCompleted},
			chat.Turn{ChatID: c.ID, OwnerID: "alice", Speaker: chat.SpeakerAssistant, Status: chat.StatusProcessing})
		require.NoError(t, err)
		return u, a
	}

	u, a := pair()
	d.Dispatch(ctx, chatsvc.ProduceRequest{Chat: c, UserTurn: u, AssistantTurnID: a.ID})
	<-p.started

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, d.Wait(short), context.DeadlineExceeded)

	d.Close()
	close(p.release)
	require.NoError(t, d.Wait(ctx))

	done, err := st.GetTurn(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, chat.StatusCompleted, done.Status)

	u2, a2 := pair()
	d.Dispatch(ctx, chatsvc.ProduceRequest{Chat: c, UserTurn: u2, AssistantTurnID: a2.ID})
	rejected, err := st.GetTurn(ctx, a2.ID)
	require.NoError(t, err)
	require.Equal(t, chat.StatusError, rejected.Status)
	require.Equal(t, chat.ErrorCodeUnavailable, rejected.ErrorCode)
}

type transcriberFunc func(ctx context.Context, req speech.TranscribeRequest) (speech.Transcript, error)

func (f transcriberFunc) Transcribe(ctx context.Context, req speech.TranscribeRequest) (speech.Transcript, error) {
	return f(ctx, req)
}
