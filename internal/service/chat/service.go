package chat

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-coach/backend/internal/model/chat"
	"github.com/zhouzirui/z-coach/backend/internal/model/scenario"
	"github.com/zhouzirui/z-coach/backend/internal/model/speech"
	"github.com/zhouzirui/z-coach/backend/internal/service/notify"
	"github.com/zhouzirui/z-coach/backend/internal/store"
)

const (
	DefaultLongPollWait = 30 * time.Second
	DefaultHistoryLimit = 20
	DefaultLanguage     = "en-US"

	InputText  = "text"
	InputAudio = "audio"
)

// Options wires the service to its collaborators. Store, Notifier and
// Dispatcher are required.
type Options struct {
	Store       store.Store
	Notifier    *notify.Notifier
	Signal      notify.Signaler // defaults to Notifier
	Dispatcher  *Dispatcher
	Transcriber Transcriber
	Scenarios   scenario.Store

	LongPollWait time.Duration
	HistoryLimit int
}

// Service owns chat lifecycle, turn submission and turn retrieval.
type Service struct {
	store       store.Store
	notifier    *notify.Notifier
	signal      notify.Signaler
	dispatcher  *Dispatcher
	transcriber Transcriber
	scenarios   scenario.Store

	longPollWait time.Duration
	historyLimit int
}

// NewService validates opts and applies defaults.
func NewService(opts Options) (*Service, error) {
	if opts.Store == nil || opts.Notifier == nil || opts.Dispatcher == nil {
		return nil, errors.New("chat service: store, notifier and dispatcher are required")
	}
	if opts.Signal == nil {
		opts.Signal = opts.Notifier
	}
	if opts.LongPollWait <= 0 {
		opts.LongPollWait = DefaultLongPollWait
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	return &Service{
		store:        opts.Store,
		notifier:     opts.Notifier,
		signal:       opts.Signal,
		dispatcher:   opts.Dispatcher,
		transcriber:  opts.Transcriber,
		scenarios:    opts.Scenarios,
		longPollWait: opts.LongPollWait,
		historyLimit: opts.HistoryLimit,
	}, nil
}

// CreateChatInput 创建会话的参数，全部可选。
type CreateChatInput struct {
	Title      string `json:"title"`
	ScenarioID string `json:"scenario_id"`
	Language   string `json:"language"`
}

// CreateChat opens a new chat for ownerID.
func (s *Service) CreateChat(ctx context.Context, ownerID string, in CreateChatInput) (chat.Chat, error) {
	c := chat.Chat{
		OwnerID:  ownerID,
		Title:    strings.TrimSpace(in.Title),
		Language: strings.TrimSpace(in.Language),
	}
	if id := strings.TrimSpace(in.ScenarioID); id != "" {
		sc, ok := s.findScenario(id)
		if !ok {
			return chat.Chat{}, newError(KindValidation, "unknown scenario "+id, nil)
		}
		c.ScenarioID = sc.ID
		if c.Title == "" {
			c.Title = sc.Title
		}
		if c.Language == "" {
			c.Language = sc.Language
		}
	}
	if c.Title == "" {
		c.Title = "New chat"
	}
	if c.Language == "" {
		c.Language = DefaultLanguage
	}

	created, err := s.store.CreateChat(ctx, c)
	if err != nil {
		return chat.Chat{}, storeError(err, "create chat")
	}
	return created, nil
}

// GetChat returns a chat owned by ownerID.
func (s *Service) GetChat(ctx context.Context, ownerID, chatID string) (chat.Chat, error) {
	return s.ownedChat(ctx, ownerID, chatID)
}

// ListChats returns ownerID's chats.
func (s *Service) ListChats(ctx context.Context, ownerID string) ([]chat.Chat, error) {
	chats, err := s.store.ListChats(ctx, ownerID)
	if err != nil {
		return nil, storeError(err, "list chats")
	}
	return chats, nil
}

// SendInput is one learner submission.
type SendInput struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	AudioBase64 string `json:"audio_base64"`
	AudioFormat string `json:"audio_format"`
	Language    string `json:"language"`
}

// SendResult holds both turns created by a submission.
type SendResult struct {
	UserTurn      chat.Turn `json:"user_turn"`
	AssistantTurn chat.Turn `json:"ai_turn"`
}

// Send 写入用户 turn 与处理中的助手 turn，随后异步生成回复，不等待 AI 完成。
func (s *Service) Send(ctx context.Context, ownerID, chatID string, in SendInput) (SendResult, error) {
	kind := strings.ToLower(strings.TrimSpace(in.Type))
	if kind == "" {
		kind = InputText
	}
	if kind != InputText && kind != InputAudio {
		return SendResult{}, newError(KindValidation, "type must be text or audio", nil)
	}
	var audio []byte
	if kind == InputText && strings.TrimSpace(in.Message) == "" {
		return SendResult{}, newError(KindValidation, "message is required", nil)
	}
	if kind == InputAudio {
		decoded, err := decodeAudio(in.AudioBase64)
		if err != nil {
			return SendResult{}, err
		}
		audio = decoded
	}

	c, err := s.ownedChat(ctx, ownerID, chatID)
	if err != nil {
		return SendResult{}, err
	}
	language := strings.TrimSpace(in.Language)
	if language == "" {
		language = c.Language
	}

	user := chat.Turn{
		ChatID:   c.ID,
		OwnerID:  ownerID,
		Speaker:  chat.SpeakerUser,
		Language: language,
		Content:  chat.Content{Text: strings.TrimSpace(in.Message)},
		Status:   chat.StatusCompleted,
	}
	if kind == InputAudio {
		if err := s.transcribe(ctx, audio, in.AudioFormat, &user); err != nil {
			return SendResult{}, err
		}
	}

	history, err := s.store.RecentTurns(ctx, c.ID, s.historyLimit)
	if err != nil {
		return SendResult{}, storeError(err, "load history")
	}

	now := time.Now().UTC()
	user.CreatedAt = now
	user.CompletedAt = &now
	assistant := chat.Turn{
		ChatID:   c.ID,
		OwnerID:  ownerID,
		Speaker:  chat.SpeakerAssistant,
		Language: language,
		Status:   chat.StatusProcessing,
	}
	user, assistant, err = s.store.InsertTurnPair(ctx, user, assistant)
	if err != nil {
		return SendResult{}, storeError(err, "insert turns")
	}

	req := ProduceRequest{
		Chat:            c,
		History:         completedTurns(history),
		UserTurn:        user,
		AssistantTurnID: assistant.ID,
	}
	if sc, ok := s.findScenario(c.ScenarioID); ok {
		req.Scenario = &sc
	}
	s.dispatcher.Dispatch(ctx, req)

	log.Debug().
		Str("component", "chat.service").
		Str("chat_id", c.ID).
		Int64("turn_id", assistant.ID).
		Str("type", kind).
		Msg("turn submitted")
	return SendResult{UserTurn: user, AssistantTurn: assistant}, nil
}

func decodeAudio(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, newError(KindValidation, "audio_base64 is required", nil)
	}
	// data URLs from browsers carry a "data:audio/...;base64," prefix
	if idx := strings.Index(raw, ","); strings.HasPrefix(raw, "data:") && idx >= 0 {
		raw = raw[idx+1:]
	}
	audio, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, newError(KindValidation, "audio_base64 is not valid base64", err)
	}
	if len(audio) == 0 {
		return nil, newError(KindValidation, "audio is empty", nil)
	}
	return audio, nil
}

func (s *Service) transcribe(ctx context.Context, audio []byte, format string, user *chat.Turn) error {
	if s.transcriber == nil {
		return newError(KindValidation, "audio input is not available", nil)
	}
	result, err := s.transcriber.Transcribe(ctx, speech.TranscribeRequest{
		ConnectID: uuid.NewString(),
		Audio:     audio,
		Format:    format,
		Language:  user.Language,
	})
	if err != nil {
		return newError(KindProducer, "transcription failed", err)
	}
	text := strings.TrimSpace(result.Text)
	if text == "" {
		return newError(KindValidation, "no speech recognized", nil)
	}
	user.Content.Text = text
	user.Metrics = &chat.Metrics{DurationMs: result.DurationMs}
	if result.DurationMs > 0 {
		words := len(strings.Fields(text))
		user.Metrics.WordsPerMinute = float64(words) / (float64(result.DurationMs) / float64(time.Minute/time.Millisecond))
	}
	return nil
}

// WaitTurn 长轮询：终态立即返回，否则最多等待 longPollWait，超时返回 processing 状态。
func (s *Service) WaitTurn(ctx context.Context, ownerID, chatID string, turnID int64) (chat.Turn, error) {
	if _, err := s.ownedChat(ctx, ownerID, chatID); err != nil {
		return chat.Turn{}, err
	}
	turn, err := s.store.GetTurn(ctx, turnID)
	if err != nil {
		return chat.Turn{}, storeError(err, "load turn")
	}
	if turn.ChatID != chatID {
		return chat.Turn{}, newError(KindNotFound, "turn not found", nil)
	}
	if turn.Status.Terminal() {
		return turn, nil
	}

	turn, err = s.notifier.Await(ctx, turnID, s.longPollWait, func(ctx context.Context) (chat.Turn, error) {
		return s.store.GetTurn(ctx, turnID)
	})
	switch {
	case err == nil:
		return turn, nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return chat.Turn{}, newError(KindTimeout, "wait abandoned", err)
	default:
		return chat.Turn{}, storeError(err, "reload turn")
	}
}

// ListTurns pages through one chat's history.
func (s *Service) ListTurns(ctx context.Context, ownerID, chatID string, q chat.TurnQuery) (chat.TurnPage, error) {
	if _, err := s.ownedChat(ctx, ownerID, chatID); err != nil {
		return chat.TurnPage{}, err
	}
	q.ChatID, q.OwnerID = chatID, ""
	return s.listTurns(ctx, q)
}

// ListUserTurns pages through every turn the owner has across chats.
func (s *Service) ListUserTurns(ctx context.Context, ownerID string, q chat.TurnQuery) (chat.TurnPage, error) {
	q.ChatID, q.OwnerID = "", ownerID
	return s.listTurns(ctx, q)
}

func (s *Service) listTurns(ctx context.Context, q chat.TurnQuery) (chat.TurnPage, error) {
	if q.AfterID != nil && q.BeforeID != nil {
		return chat.TurnPage{}, newError(KindValidation, "after_id and before_id are mutually exclusive", nil)
	}
	if q.Limit < 0 {
		return chat.TurnPage{}, newError(KindValidation, "limit must be positive", nil)
	}
	page, err := s.store.ListTurns(ctx, q)
	if err != nil {
		return chat.TurnPage{}, storeError(err, "list turns")
	}
	return page, nil
}

// DeleteTurn removes one turn and its issues. Waiters on it are woken so
// they observe the deletion instead of sitting out the long-poll.
func (s *Service) DeleteTurn(ctx context.Context, ownerID string, turnID int64) error {
	turn, err := s.ownedTurn(ctx, ownerID, turnID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteTurn(ctx, turn.ID); err != nil {
		return storeError(err, "delete turn")
	}
	if !turn.Status.Terminal() {
		s.signal.Notify(turn.ID)
	}
	return nil
}

// ResetChat clears a chat's history. Resetting an empty chat succeeds.
func (s *Service) ResetChat(ctx context.Context, ownerID, chatID string) error {
	if _, err := s.ownedChat(ctx, ownerID, chatID); err != nil {
		return err
	}
	pending, err := s.pendingTurns(ctx, chatID)
	if err != nil {
		return err
	}
	if err := s.store.ResetChat(ctx, chatID); err != nil {
		return storeError(err, "reset chat")
	}
	s.notifyAll(pending)
	return nil
}

// ClearChats deletes every chat, turn and issue of ownerID. Waiters on the
// owner's unfinished turns are woken and observe NotFound.
func (s *Service) ClearChats(ctx context.Context, ownerID string) error {
	chats, err := s.store.ListChats(ctx, ownerID)
	if err != nil {
		return storeError(err, "list chats")
	}
	var pending []int64
	for _, c := range chats {
		ids, err := s.pendingTurns(ctx, c.ID)
		if err != nil {
			return err
		}
		pending = append(pending, ids...)
	}
	if err := s.store.DeleteChats(ctx, ownerID); err != nil {
		return storeError(err, "clear chats")
	}
	s.notifyAll(pending)
	return nil
}

// pendingTurns lists the unfinished turns of a chat. Only the assistant turn
// of the newest pairs can still be processing, so the recent window is enough.
func (s *Service) pendingTurns(ctx context.Context, chatID string) ([]int64, error) {
	recent, err := s.store.RecentTurns(ctx, chatID, chat.MaxPageLimit)
	if err != nil {
		return nil, storeError(err, "load turns")
	}
	var ids []int64
	for _, t := range recent {
		if !t.Status.Terminal() {
			ids = append(ids, t.ID)
		}
	}
	return ids, nil
}

func (s *Service) notifyAll(ids []int64) {
	for _, id := range ids {
		s.signal.Notify(id)
	}
}

// ListChatIssues returns the issues found across a chat.
func (s *Service) ListChatIssues(ctx context.Context, ownerID, chatID string) ([]chat.Issue, error) {
	if _, err := s.ownedChat(ctx, ownerID, chatID); err != nil {
		return nil, err
	}
	issues, err := s.store.ListIssuesByChat(ctx, chatID)
	if err != nil {
		return nil, storeError(err, "list issues")
	}
	return issues, nil
}

// ListTurnIssues returns the issues attached to one turn.
func (s *Service) ListTurnIssues(ctx context.Context, ownerID string, turnID int64) ([]chat.Issue, error) {
	if _, err := s.ownedTurn(ctx, ownerID, turnID); err != nil {
		return nil, err
	}
	issues, err := s.store.ListIssuesByTurn(ctx, turnID)
	if err != nil {
		return nil, storeError(err, "list issues")
	}
	return issues, nil
}

func (s *Service) ownedChat(ctx context.Context, ownerID, chatID string) (chat.Chat, error) {
	c, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return chat.Chat{}, storeError(err, "load chat")
	}
	if c.OwnerID != ownerID {
		return chat.Chat{}, newError(KindAuthorization, "chat belongs to another user", nil)
	}
	return c, nil
}

func (s *Service) ownedTurn(ctx context.Context, ownerID string, turnID int64) (chat.Turn, error) {
	t, err := s.store.GetTurn(ctx, turnID)
	if err != nil {
		return chat.Turn{}, storeError(err, "load turn")
	}
	if t.OwnerID != ownerID {
		return chat.Turn{}, newError(KindAuthorization, "turn belongs to another user", nil)
	}
	return t, nil
}

func (s *Service) findScenario(id string) (scenario.Scenario, bool) {
	if s.scenarios == nil || id == "" {
		return scenario.Scenario{}, false
	}
	return s.scenarios.FindByID(id)
}

func storeError(err error, op string) error {
	if errors.Is(err, store.ErrNotFound) {
		return newError(KindNotFound, op+": not found", err)
	}
	return newError(KindInternal, op, err)
}

func completedTurns(turns []chat.Turn) []chat.Turn {
	out := make([]chat.Turn, 0, len(turns))
	for _, t := range turns {
		if t.Status == chat.StatusCompleted {
			out = append(out, t)
		}
	}
	return out
}
