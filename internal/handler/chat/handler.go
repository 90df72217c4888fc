package chat

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-coach/backend/internal/middleware"
	"github.com/zhouzirui/z-coach/backend/internal/model/chat"
	chatService "github.com/zhouzirui/z-coach/backend/internal/service/chat"
	"github.com/zhouzirui/z-coach/backend/pkg/utils"
)

// maxBodyBytes 限制请求体，音频以 base64 提交。
const maxBodyBytes = 16 << 20

// Handler 聊天服务的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
}

// New 创建聊天处理器
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{chatSvc: chatSvc}
}

// RegisterRoutes 注册聊天相关的路由，调用方负责挂载认证中间件。
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/chats", func(r chi.Router) {
		r.Post("/", h.handleCreateChat)
		r.Get("/", h.handleListChats)
		r.Delete("/", h.handleClearChats)

		r.Get("/turns", h.handleListUserTurns)
		r.Delete("/turns/{turnID}", h.handleDeleteTurn)
		r.Get("/turns/{turnID}/issues", h.handleTurnIssues)

		r.Get("/{chatID}", h.handleGetChat)
		r.Post("/{chatID}/send", h.handleSend)
		r.Get("/{chatID}/turns", h.handleListTurns)
		r.Get("/{chatID}/turns/{turnID}", h.handleWaitTurn)
		r.Post("/{chatID}/reset", h.handleReset)
		r.Get("/{chatID}/issues", h.handleChatIssues)
	})
}

func (h *Handler) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var payload chatService.CreateChatInput
	if !decodeBody(w, r, &payload, true) {
		return
	}
	c, err := h.chatSvc.CreateChat(r.Context(), owner(r), payload)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, c)
}

func (h *Handler) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := h.chatSvc.ListChats(r.Context(), owner(r))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if chats == nil {
		chats = []chat.Chat{}
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"items": chats})
}

func (h *Handler) handleGetChat(w http.ResponseWriter, r *http.Request) {
	c, err := h.chatSvc.GetChat(r.Context(), owner(r), chi.URLParam(r, "chatID"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, c)
}

func (h *Handler) handleClearChats(w http.ResponseWriter, r *http.Request) {
	if err := h.chatSvc.ClearChats(r.Context(), owner(r)); err != nil {
		respondServiceError(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleSend 提交用户输入，立即返回两条 turn，助手 turn 处于 processing。
func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	var payload chatService.SendInput
	if !decodeBody(w, r, &payload, false) {
		return
	}
	result, err := h.chatSvc.Send(r.Context(), owner(r), chi.URLParam(r, "chatID"), payload)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, result)
}

// handleWaitTurn 长轮询单条 turn。
func (h *Handler) handleWaitTurn(w http.ResponseWriter, r *http.Request) {
	turnID, ok := pathID(w, r, "turnID")
	if !ok {
		return
	}
	turn, err := h.chatSvc.WaitTurn(r.Context(), owner(r), chi.URLParam(r, "chatID"), turnID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, turn)
}

func (h *Handler) handleListTurns(w http.ResponseWriter, r *http.Request) {
	q, ok := parseTurnQuery(w, r)
	if !ok {
		return
	}
	page, err := h.chatSvc.ListTurns(r.Context(), owner(r), chi.URLParam(r, "chatID"), q)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, page)
}

func (h *Handler) handleListUserTurns(w http.ResponseWriter, r *http.Request) {
	q, ok := parseTurnQuery(w, r)
	if !ok {
		return
	}
	page, err := h.chatSvc.ListUserTurns(r.Context(), owner(r), q)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, page)
}

func (h *Handler) handleDeleteTurn(w http.ResponseWriter, r *http.Request) {
	turnID, ok := pathID(w, r, "turnID")
	if !ok {
		return
	}
	if err := h.chatSvc.DeleteTurn(r.Context(), owner(r), turnID); err != nil {
		respondServiceError(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := h.chatSvc.ResetChat(r.Context(), owner(r), chi.URLParam(r, "chatID")); err != nil {
		respondServiceError(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) handleChatIssues(w http.ResponseWriter, r *http.Request) {
	issues, err := h.chatSvc.ListChatIssues(r.Context(), owner(r), chi.URLParam(r, "chatID"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondIssues(w, issues)
}

func (h *Handler) handleTurnIssues(w http.ResponseWriter, r *http.Request) {
	turnID, ok := pathID(w, r, "turnID")
	if !ok {
		return
	}
	issues, err := h.chatSvc.ListTurnIssues(r.Context(), owner(r), turnID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondIssues(w, issues)
}

func respondIssues(w http.ResponseWriter, issues []chat.Issue) {
	if issues == nil {
		issues = []chat.Issue{}
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"items": issues})
}

func owner(r *http.Request) string {
	id, _ := middleware.OwnerID(r.Context())
	return id
}

// decodeBody 解析 JSON 请求体；optional 为 true 时允许空 body。
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		utils.RespondKindError(w, http.StatusBadRequest, string(chatService.KindValidation), "invalid request body")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, key), 10, 64)
	if err != nil || id <= 0 {
		utils.RespondKindError(w, http.StatusBadRequest, string(chatService.KindValidation), "invalid "+key)
		return 0, false
	}
	return id, true
}

// parseTurnQuery 解析 limit、after_id、before_id、from_latest。
func parseTurnQuery(w http.ResponseWriter, r *http.Request) (chat.TurnQuery, bool) {
	values := r.URL.Query()
	var q chat.TurnQuery

	positive := func(key string) (*int64, bool) {
		raw := values.Get(key)
		if raw == "" {
			return nil, true
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v <= 0 {
			utils.RespondKindError(w, http.StatusBadRequest, string(chatService.KindValidation), key+" must be a positive integer")
			return nil, false
		}
		return &v, true
	}

	limit, ok := positive("limit")
	if !ok {
		return q, false
	}
	if limit != nil {
		q.Limit = int(min(*limit, int64(chat.MaxPageLimit)))
	}
	if q.AfterID, ok = positive("after_id"); !ok {
		return q, false
	}
	if q.BeforeID, ok = positive("before_id"); !ok {
		return q, false
	}
	if raw := values.Get("from_latest"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			utils.RespondKindError(w, http.StatusBadRequest, string(chatService.KindValidation), "from_latest must be a boolean")
			return q, false
		}
		q.FromLatest = v
	}
	return q, true
}

// respondServiceError 按错误分类映射状态码。
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	kind := chatService.KindOf(err)
	status := statusForKind(kind)
	message := "internal error"
	var svcErr *chatService.Error
	if errors.As(err, &svcErr) && kind != chatService.KindInternal {
		message = svcErr.Reason
	}
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("component", "http").Str("path", r.URL.Path).Msg("request failed")
	}
	utils.RespondKindError(w, status, string(kind), message)
}

func statusForKind(kind chatService.Kind) int {
	switch kind {
	case chatService.KindValidation:
		return http.StatusBadRequest
	case chatService.KindAuthorization:
		return http.StatusForbidden
	case chatService.KindNotFound:
		return http.StatusNotFound
	case chatService.KindProducer:
		return http.StatusBadGateway
	case chatService.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
