package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/z-coach/backend/internal/handler/audio"
	"github.com/zhouzirui/z-coach/backend/internal/handler/chat"
	"github.com/zhouzirui/z-coach/backend/internal/handler/scenario"
	"github.com/zhouzirui/z-coach/backend/internal/handler/speech"
	middlewarePkg "github.com/zhouzirui/z-coach/backend/internal/middleware"
	scenarioModel "github.com/zhouzirui/z-coach/backend/internal/model/scenario"
	chatService "github.com/zhouzirui/z-coach/backend/internal/service/chat"
	"github.com/zhouzirui/z-coach/backend/pkg/utils"
)

// Deps 路由依赖。Speech 为 nil 时不注册语音路由，AudioDir 为空时不提供音频下载。
type Deps struct {
	Chat       *chatService.Service
	Scenarios  scenarioModel.Store
	Speech     speech.SpeechService
	AudioDir   string
	AuthTokens map[string]string
	// Health 附加到 /api/health 响应中的组件状态。
	Health map[string]string
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Route("/api", func(api chi.Router) {
		// public
		health := map[string]string{"status": "ok"}
		for k, v := range deps.Health {
			if k != "status" {
				health[k] = v
			}
		}
		api.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			utils.RespondJSON(w, http.StatusOK, health)
		})
		scenario.New(deps.Scenarios).RegisterRoutes(api)
		if deps.AudioDir != "" {
			audio.New(deps.AudioDir).RegisterRoutes(api)
		}

		api.Group(func(authed chi.Router) {
			authed.Use(middlewarePkg.Auth(deps.AuthTokens))

			chat.New(deps.Chat).RegisterRoutes(authed)
			if deps.Speech != nil {
				speech.New(deps.Speech).RegisterRoutes(authed)
			}
		})
	})

	return r
}
