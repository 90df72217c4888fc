package ai

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-coach/backend/internal/model/chat"
	"github.com/zhouzirui/z-coach/backend/internal/model/scenario"
	"github.com/zhouzirui/z-coach/backend/internal/model/speech"
	chatsvc "github.com/zhouzirui/z-coach/backend/internal/service/chat"
)

type fakeModel struct {
	mu     sync.Mutex
	reply  *schema.Message
	err    error
	inputs [][]*schema.Message
}

func (m *fakeModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, input)
	if m.err != nil {
		return nil, m.err
	}
	return m.reply, nil
}

func (m *fakeModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func (m *fakeModel) BindTools([]*schema.ToolInfo) error { return nil }

type reviewerFunc func(ctx context.Context, language, text string) []chat.Issue

func (f reviewerFunc) Review(ctx context.Context, language, text string) []chat.Issue {
	return f(ctx, language, text)
}

type synthesizerFunc func(ctx context.Context, req speech.SynthesizeRequest) (speech.Synthesis, error)

func (f synthesizerFunc) Synthesize(ctx context.Context, req speech.SynthesizeRequest) (speech.Synthesis, error) {
	return f(ctx, req)
}

func produceRequest() chatsvc.ProduceRequest {
	sc := scenario.Seed()[0]
	return chatsvc.ProduceRequest{
		Chat:     chat.Chat{ID: "c1", OwnerID: "u1", Language: "en-US", ScenarioID: sc.ID},
		Scenario: &sc,
		History: []chat.Turn{
			{ID: 1, Speaker: chat.SpeakerUser, Status: chat.StatusCompleted, Content: chat.Content{Text: "Hello"}},
			{ID: 2, Speaker: chat.SpeakerAssistant, Status: chat.StatusCompleted, Content: chat.Content{Text: "Hi! What would you like?"}},
		},
		UserTurn:        chat.Turn{ID: 3, ChatID: "c1", Speaker: chat.SpeakerUser, Language: "en-US", Content: chat.Content{Text: "I want a latte"}},
		AssistantTurnID: 4,
	}
}

func TestCoachProduce(t *testing.T) {
	m := &fakeModel{reply: schema.AssistantMessage(`{"reply": "Sure! Hot or iced?", "translation": "好的！热的还是冰的？"}`, nil)}
	dir := t.TempDir()

	var voice string
	coach, err := NewCoach(context.Background(), m, Options{
		Reviewer: reviewerFunc(func(_ context.Context, language, text string) []chat.Issue {
			require.Equal(t, "en-US", language)
			return []chat.Issue{{Type: chat.IssueSuggestion, Original: text, Suggested: "I'd like a latte"}}
		}),
		Synthesizer: synthesizerFunc(func(_ context.Context, req speech.SynthesizeRequest) (speech.Synthesis, error) {
			voice = req.Voice
			return speech.Synthesis{Audio: []byte("mp3data"), Format: "mp3", DurationMs: 2000}, nil
		}),
		AudioDir: dir,
	})
	require.NoError(t, err)

	out, err := coach.Produce(context.Background(), produceRequest())
	require.NoError(t, err)
	require.Equal(t, "Sure! Hot or iced?", out.Content.Text)
	require.Equal(t, "好的！热的还是冰的？", out.Content.Translation)
	require.Equal(t, int64(3), out.UserTurnID)
	require.Len(t, out.UserIssues, 1)
	require.Equal(t, "en_default", voice)

	require.True(t, strings.HasPrefix(out.AudioURL, AudioRoute+"4-"))
	data, err := os.ReadFile(filepath.Join(dir, strings.TrimPrefix(out.AudioURL, AudioRoute)))
	require.NoError(t, err)
	require.Equal(t, []byte("mp3data"), data)
	require.Equal(t, int64(2000), out.Metrics.DurationMs)
	require.InDelta(t, 120.0, out.Metrics.WordsPerMinute, 0.01)

	require.Len(t, m.inputs, 1)
	msgs := m.inputs[0]
	require.Len(t, msgs, 4)
	require.Equal(t, schema.System, msgs[0].Role)
	require.Contains(t, msgs[0].Content, "barista")
	require.Equal(t, "Hello", msgs[1].Content)
	require.Equal(t, schema.Assistant, msgs[2].Role)
	require.Equal(t, "I want a latte", msgs[3].Content)
}

func TestCoachContentFilter(t *testing.T) {
	reply := schema.AssistantMessage("", nil)
	reply.ResponseMeta = &schema.ResponseMeta{FinishReason: "content_filter"}
	coach, err := NewCoach(context.Background(), &fakeModel{reply: reply}, Options{})
	require.NoError(t, err)

	_, err = coach.Produce(context.Background(), produceRequest())
	var produceErr *chatsvc.ProduceError
	require.ErrorAs(t, err, &produceErr)
	require.Equal(t, chat.ErrorCodeContentRejected, produceErr.Code)
}

func TestCoachModelError(t *testing.T) {
	coach, err := NewCoach(context.Background(), &fakeModel{err: errors.New("rate limited")}, Options{})
	require.NoError(t, err)

	_, err = coach.Produce(context.Background(), produceRequest())
	require.ErrorContains(t, err, "rate limited")
}

func TestCoachSynthesisFailureKeepsReply(t *testing.T) {
	coach, err := NewCoach(context.Background(), &fakeModel{reply: schema.AssistantMessage("Plain reply without json", nil)}, Options{
		Synthesizer: synthesizerFunc(func(context.Context, speech.SynthesizeRequest) (speech.Synthesis, error) {
			return speech.Synthesis{}, errors.New("tts down")
		}),
		AudioDir: t.TempDir(),
	})
	require.NoError(t, err)

	out, err := coach.Produce(context.Background(), produceRequest())
	require.NoError(t, err)
	require.Equal(t, "Plain reply without json", out.Content.Text)
	require.Empty(t, out.Content.Translation)
	require.Empty(t, out.AudioURL)
	require.NotNil(t, out.Metrics)
}

func TestCoachHistoryLimit(t *testing.T) {
	m := &fakeModel{reply: schema.AssistantMessage(`{"reply": "ok"}`, nil)}
	coach, err := NewCoach(context.Background(), m, Options{HistoryLimit: 1})
	require.NoError(t, err)

	req := produceRequest()
	req.History = append(req.History, chat.Turn{ID: 9, Speaker: chat.SpeakerAssistant, Status: chat.StatusError})
	_, err = coach.Produce(context.Background(), req)
	require.NoError(t, err)

	// the only kept turn is the failed one, which is skipped
	require.Len(t, m.inputs[0], 2)
}

func TestBuildSystemPromptFreeChat(t *testing.T) {
	p := NewPromptManager().BuildSystemPrompt(nil, "en-US", "zh-CN")
	require.Contains(t, p, "practise en-US")
	require.Contains(t, p, "translated into zh-CN")
}

func TestNewCoachRequiresModel(t *testing.T) {
	_, err := NewCoach(context.Background(), nil, Options{})
	require.Error(t, err)
}
