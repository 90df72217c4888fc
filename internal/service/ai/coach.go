package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/z-coach/backend/internal/model/chat"
	"github.com/zhouzirui/z-coach/backend/internal/model/speech"
	chatsvc "github.com/zhouzirui/z-coach/backend/internal/service/chat"
)

// AudioRoute 合成音频对外的 URL 前缀。
const AudioRoute = "/api/audio/"

const finishReasonContentFilter = "content_filter"

// Synthesizer 把回复合成为语音。
type Synthesizer interface {
	Synthesize(ctx context.Context, req speech.SynthesizeRequest) (speech.Synthesis, error)
}

// Reviewer 找出用户发言中的语言问题。
type Reviewer interface {
	Review(ctx context.Context, language, text string) []chat.Issue
}

// Options 配置 Coach 的可选能力。
type Options struct {
	Reviewer       Reviewer
	Synthesizer    Synthesizer
	AudioDir       string
	HistoryLimit   int
	NativeLanguage string
}

// Coach 生成助手回复，实现 chatsvc.Producer。
type Coach struct {
	chain   compose.Runnable[map[string]any, *schema.Message]
	prompts *PromptManager
	opts    Options
}

var _ chatsvc.Producer = (*Coach)(nil)

// NewCoach compiles the reply chain on top of chatModel.
func NewCoach(ctx context.Context, chatModel model.ChatModel, opts Options) (*Coach, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("chat model is required")
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 20
	}
	if opts.NativeLanguage == "" {
		opts.NativeLanguage = "zh-CN"
	}
	if opts.Synthesizer != nil && opts.AudioDir != "" {
		if err := os.MkdirAll(opts.AudioDir, 0o755); err != nil {
			return nil, fmt.Errorf("create audio dir: %w", err)
		}
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile coach chain: %w", err)
	}

	return &Coach{chain: runnable, prompts: NewPromptManager(), opts: opts}, nil
}

// Produce 生成助手回复，同时审阅用户发言；语音合成失败不影响回复。
func (c *Coach) Produce(ctx context.Context, req chatsvc.ProduceRequest) (chat.Completion, error) {
	started := time.Now()
	language := firstNonEmpty(req.UserTurn.Language, req.Chat.Language, "en-US")

	var (
		content chat.Content
		issues  []chat.Issue
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		content, err = c.reply(gctx, req, language)
		return err
	})
	if c.opts.Reviewer != nil {
		g.Go(func() error {
			issues = c.opts.Reviewer.Review(gctx, language, req.UserTurn.Content.Text)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return chat.Completion{}, err
	}

	completion := chat.Completion{
		Content:     content,
		Metrics:     &chat.Metrics{},
		UserTurnID:  req.UserTurn.ID,
		UserIssues:  issues,
		CompletedAt: time.Now(),
	}

	if c.opts.Synthesizer != nil {
		voice := ""
		if req.Scenario != nil {
			voice = req.Scenario.VoiceID
		}
		url, durationMs, err := c.synthesize(ctx, req.AssistantTurnID, content.Text, voice, language)
		if err != nil {
			log.Warn().Err(err).Int64("turn_id", req.AssistantTurnID).Msg("coach: tts failed, reply without audio")
		} else {
			completion.AudioURL = url
			completion.Metrics.DurationMs = durationMs
			completion.Metrics.WordsPerMinute = wordsPerMinute(content.Text, durationMs)
		}
	}

	log.Debug().
		Str("chat_id", req.Chat.ID).
		Int64("turn_id", req.AssistantTurnID).
		Int("issues", len(issues)).
		Dur("took", time.Since(started)).
		Msg("coach reply generated")
	return completion, nil
}

func (c *Coach) reply(ctx context.Context, req chatsvc.ProduceRequest, language string) (chat.Content, error) {
	input := map[string]any{
		"system":  c.prompts.BuildSystemPrompt(req.Scenario, language, c.opts.NativeLanguage),
		"history": c.historyMessages(req.History),
		"query":   req.UserTurn.Content.Text,
	}

	msg, err := c.chain.Invoke(ctx, input)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return chat.Content{}, err
		}
		return chat.Content{}, fmt.Errorf("failed to run coach chain: %w", err)
	}
	if msg == nil {
		return chat.Content{}, fmt.Errorf("coach chain returned no message")
	}
	if msg.ResponseMeta != nil && msg.ResponseMeta.FinishReason == finishReasonContentFilter {
		return chat.Content{}, chatsvc.NewProduceError(chat.ErrorCodeContentRejected, fmt.Errorf("reply blocked by content filter"))
	}

	content := parseReply(msg.Content)
	if content.Text == "" {
		return chat.Content{}, fmt.Errorf("coach returned an empty reply")
	}
	return content, nil
}

// historyMessages 只保留最近 HistoryLimit 条已完成的 turn。
func (c *Coach) historyMessages(turns []chat.Turn) []*schema.Message {
	if len(turns) > c.opts.HistoryLimit {
		turns = turns[len(turns)-c.opts.HistoryLimit:]
	}
	history := make([]*schema.Message, 0, len(turns))
	for _, t := range turns {
		text := strings.TrimSpace(t.Content.Text)
		if text == "" || t.Status != chat.StatusCompleted {
			continue
		}
		switch t.Speaker {
		case chat.SpeakerUser:
			history = append(history, schema.UserMessage(text))
		case chat.SpeakerAssistant:
			history = append(history, schema.AssistantMessage(text, nil))
		}
	}
	return history
}

func (c *Coach) synthesize(ctx context.Context, turnID int64, text, voice, language string) (string, int64, error) {
	out, err := c.opts.Synthesizer.Synthesize(ctx, speech.SynthesizeRequest{
		Text:     text,
		Voice:    voice,
		Language: language,
	})
	if err != nil {
		return "", 0, err
	}

	format := firstNonEmpty(out.Format, "mp3")
	name := fmt.Sprintf("%d-%s.%s", turnID, uuid.NewString(), format)
	if err := os.WriteFile(filepath.Join(c.opts.AudioDir, name), out.Audio, 0o644); err != nil {
		return "", 0, fmt.Errorf("write audio: %w", err)
	}
	return AudioRoute + name, out.DurationMs, nil
}

type replyPayload struct {
	Reply       string `json:"reply"`
	Translation string `json:"translation"`
}

// parseReply 解析 JSON 回复，模型没按格式输出时整段当作回复文本。
func parseReply(raw string) chat.Content {
	trimmed := strings.TrimSpace(raw)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start != -1 && end > start {
		var payload replyPayload
		if err := json.Unmarshal([]byte(trimmed[start:end+1]), &payload); err == nil && strings.TrimSpace(payload.Reply) != "" {
			return chat.Content{
				Text:        strings.TrimSpace(payload.Reply),
				Translation: strings.TrimSpace(payload.Translation),
			}
		}
	}
	return chat.Content{Text: trimmed}
}

func wordsPerMinute(text string, durationMs int64) float64 {
	if durationMs <= 0 {
		return 0
	}
	return float64(len(strings.Fields(text))) / (float64(durationMs) / 60000)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
