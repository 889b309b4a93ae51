package web

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"liuproxy_egress/internal/fallback"
	"liuproxy_egress/internal/shared/logger"
	"liuproxy_egress/proxypool"
	"liuproxy_egress/proxypool/model"
)

// Controller 是 web 层对应用的全部依赖，由 app.Egress 实现。
type Controller interface {
	PoolStats() proxypool.Stats
	Identities() []model.Identity
	ImportText(text string, hint model.Protocol) int
	TriggerRefresh() bool
	TriggerVerify() bool
	FallbackState() fallback.State
}

// StatusResponse 是 /api/status 和 websocket status_update 的内容。
type StatusResponse struct {
	Timestamp time.Time      `json:"timestamp"`
	Pool      proxypool.Stats `json:"pool"`
	Fallback  fallback.State `json:"fallback"`
}

type Handler struct {
	controller Controller
	hub        *Hub
}

func NewHandler(controller Controller, hub *Hub) *Handler {
	return &Handler{controller: controller, hub: hub}
}

func (h *Handler) status() StatusResponse {
	return StatusResponse{
		Timestamp: time.Now().UTC(),
		Pool:      h.controller.PoolStats(),
		Fallback:  h.controller.FallbackState(),
	}
}

// HandleStatus 处理 GET /api/status
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.status())
}

// HandleIdentities 处理 GET /api/identities
func (h *Handler) HandleIdentities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ids := h.controller.Identities()
	// 不把凭据发给浏览器
	for i := range ids {
		if ids[i].Password != "" {
			ids[i].Password = "***"
		}
	}
	writeJSON(w, http.StatusOK, ids)
}

// HandleImport 处理 POST /api/identities/import?protocol=socks5，请求体是逐行的列表。
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hint, err := model.ParseProtocol(r.URL.Query().Get("protocol"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusInternalServerError)
		return
	}

	added := h.controller.ImportText(string(body), hint)
	l := logger.WithComponent("Web")
	l.Info().Int("added", added).Str("protocol", string(hint)).Msg("Identities imported from dashboard.")
	if added > 0 {
		h.hub.BroadcastStatus(h.status())
	}
	writeJSON(w, http.StatusOK, map[string]int{"added": added})
}

// HandleRefresh 处理 POST /api/refresh，后台刷新所有 feed。
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	h.trigger(w, r, h.controller.TriggerRefresh)
}

// HandleVerify 处理 POST /api/verify，后台复验一批身份。
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	h.trigger(w, r, h.controller.TriggerVerify)
}

func (h *Handler) trigger(w http.ResponseWriter, r *http.Request, fn func() bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !fn() {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "busy"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		l := logger.WithComponent("Web")
		l.Warn().Err(err).Msg("Failed to encode response.")
	}
}
