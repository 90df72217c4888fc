package review

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-coach/backend/internal/analysis/issue"
	"github.com/zhouzirui/z-coach/backend/internal/model/chat"
)

const maxIssues = 5

// Config 控制语言问题审阅服务。
type Config struct {
	Enabled bool
	// NativeLanguage 学习者母语，用于 explanationNative。
	NativeLanguage string
}

// Service 使用大模型找出学习者表达中的问题，模型不可用或输出无法解析时回退到规则。
type Service struct {
	enabled        bool
	nativeLanguage string
	classifier     compose.Runnable[map[string]any, *schema.Message]
	fallback       func(text string) []issue.Finding
}

// NewService 创建审阅服务。chatModel 可与教练回复共用。
func NewService(ctx context.Context, chatModel model.ChatModel, cfg Config) (*Service, error) {
	svc := &Service{
		enabled:        cfg.Enabled && chatModel != nil,
		nativeLanguage: strings.TrimSpace(cfg.NativeLanguage),
		fallback:       issue.Analyze,
	}
	if svc.nativeLanguage == "" {
		svc.nativeLanguage = "zh-CN"
	}
	if !svc.enabled {
		return svc, nil
	}

	template := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(reviewSystemPrompt),
		schema.UserMessage(reviewUserPrompt),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(template)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile review chain: %w", err)
	}
	svc.classifier = runnable
	return svc, nil
}

// Enabled 返回是否使用大模型审阅。
func (s *Service) Enabled() bool {
	return s != nil && s.enabled && s.classifier != nil
}

// Review 审阅一条用户发言，返回待写入的问题（ID 与归属由存储层补齐）。
func (s *Service) Review(ctx context.Context, language, text string) []chat.Issue {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if !s.Enabled() {
		return s.fallbackIssues(text)
	}

	msg, err := s.classifier.Invoke(ctx, map[string]any{
		"language":        language,
		"native_language": s.nativeLanguage,
		"user_message":    text,
	})
	if err != nil {
		log.Warn().Err(err).Msg("review: classifier invoke failed, use fallback")
		return s.fallbackIssues(text)
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return s.fallbackIssues(text)
	}

	payload, err := parseReviewOutput(msg.Content)
	if err != nil {
		log.Warn().Err(err).Msg("review: output parse failed, use fallback")
		return s.fallbackIssues(text)
	}

	issues := make([]chat.Issue, 0, len(payload.Issues))
	for _, item := range payload.Issues {
		kind, ok := chat.ParseIssueType(strings.ToLower(strings.TrimSpace(item.Type)))
		original := strings.TrimSpace(item.Original)
		suggested := strings.TrimSpace(item.Suggested)
		if !ok || original == "" || suggested == "" || strings.EqualFold(original, suggested) {
			continue
		}
		issues = append(issues, chat.Issue{
			Type:              kind,
			Original:          original,
			Suggested:         suggested,
			Explanation:       strings.TrimSpace(item.Explanation),
			ExplanationNative: strings.TrimSpace(item.ExplanationNative),
			Severity:          chat.ParseSeverity(strings.ToLower(strings.TrimSpace(item.Severity))),
		})
		if len(issues) == maxIssues {
			break
		}
	}
	return issues
}

func (s *Service) fallbackIssues(text string) []chat.Issue {
	findings := s.fallback(text)
	if len(findings) > maxIssues {
		findings = findings[:maxIssues]
	}
	issues := make([]chat.Issue, 0, len(findings))
	for _, f := range findings {
		issues = append(issues, chat.Issue{
			Type:        f.Type,
			Original:    f.Original,
			Suggested:   f.Suggested,
			Explanation: f.Explanation,
			Severity:    f.Severity,
		})
	}
	return issues
}

type reviewPayload struct {
	Issues []struct {
		Type              string `json:"type"`
		Original          string `json:"original"`
		Suggested         string `json:"suggested"`
		Explanation       string `json:"explanation"`
		ExplanationNative string `json:"explanation_native"`
		Severity          string `json:"severity"`
	} `json:"issues"`
}

// parseReviewOutput 截取模型输出中的 JSON 对象。
func parseReviewOutput(content string) (*reviewPayload, error) {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("missing json object")
	}

	payload := &reviewPayload{}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), payload); err != nil {
		return nil, err
	}
	return payload, nil
}

const reviewSystemPrompt = "你是一名耐心的外语老师。阅读学习者用 {language} 写下或说出的一句话，找出语法错误、用词不当以及可以说得更地道的地方。\n只返回一个 JSON 对象：{{\"issues\": [{{\"type\": \"grammar|word_choice|suggestion\", \"original\": \"原文片段\", \"suggested\": \"修改后\", \"explanation\": \"用 {language} 的简短解释\", \"explanation_native\": \"用 {native_language} 的简短解释\", \"severity\": \"low|medium|high\"}}]}}。\n没有问题时返回 {{\"issues\": []}}。最多 5 条，不得输出多余文本。"

const reviewUserPrompt = "学习者的话：\n{user_message}"
