package audio

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-coach/backend/pkg/utils"
)

// Handler 提供合成音频文件下载。文件名含随机 uuid，浏览器 <audio> 无法带 token，因此不做认证。
type Handler struct {
	dir string
}

// New 创建音频处理器
func New(dir string) *Handler {
	return &Handler{dir: dir}
}

// RegisterRoutes 注册音频路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/audio/{name}", h.handleServe)
}

var contentTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".ogg":  "audio/ogg",
	".pcm":  "audio/L16",
	".wav":  "audio/wav",
	".opus": "audio/opus",
}

func (h *Handler) handleServe(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		utils.RespondError(w, http.StatusBadRequest, "invalid audio name")
		return
	}
	path := filepath.Join(h.dir, name)
	if _, err := os.Stat(path); err != nil {
		utils.RespondError(w, http.StatusNotFound, "audio not found")
		return
	}
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(name))]; ok {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Cache-Control", "private, max-age=86400")
	http.ServeFile(w, r, path)
}
