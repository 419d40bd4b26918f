package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"socks_sentinel/internal/shared/globalstate"
	"socks_sentinel/internal/shared/logger"
	manager "socks_sentinel/proxypool"
	"socks_sentinel/proxypool/model"
	"socks_sentinel/proxypool/storage"
)

// PoolController is what the handler needs from the proxy pool manager.
// It decouples the web package from the manager's concrete type.
type PoolController interface {
	Snapshot() []model.Entry
	Get(ep model.Endpoint) (model.Result, bool)
	Best() (model.Endpoint, bool)
	LastUpdate() string
	StatusLine() string
	Progress() globalstate.Progress
	Submit(job manager.Job) error
}

// ProxyTarget is the downstream client whose proxy setting is managed.
type ProxyTarget interface {
	CurrentProxy(ctx context.Context) string
	SetProxy(ctx context.Context, proxy string) bool
	ConnectionStatus(ctx context.Context) string
}

type Handler struct {
	pool       PoolController
	downstream ProxyTarget
}

// NewHandler wires the handler. downstream may be nil, in which case the
// qBittorrent routes answer 503.
func NewHandler(pool PoolController, downstream ProxyTarget) *Handler {
	return &Handler{pool: pool, downstream: downstream}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// HandleProxies 处理 GET /api/proxies 请求，按池中顺序返回全部代理
func (h *Handler) HandleProxies(w http.ResponseWriter, r *http.Request) {
	proxies, err := storage.EncodeProxies(h.pool.Snapshot())
	if err != nil {
		l := logger.WithComponent("Web/Handler")
		l.Error().Err(err).Msg("Failed to encode proxies.")
		http.Error(w, "failed to encode proxies", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Proxies    json.RawMessage `json:"proxies"`
		LastUpdate string          `json:"last_update"`
	}{proxies, h.pool.LastUpdate()})
}

// HandleStatus 处理 GET /api/status 请求
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": h.pool.StatusLine()})
}

// HandleProgress 处理 GET /api/progress 请求
func (h *Handler) HandleProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pool.Progress())
}

// HandleBest returns the top fully healthy endpoint.
func (h *Handler) HandleBest(w http.ResponseWriter, r *http.Request) {
	ep, ok := h.pool.Best()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no fully healthy proxy"})
		return
	}
	res, _ := h.pool.Get(ep)
	writeJSON(w, http.StatusOK, map[string]any{"proxy": ep, "bandwidth_kbps": res.BandwidthKbps})
}

// HandleUpdate 处理 POST /api/update 请求：排队一次完整刷新
func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	if err := h.pool.Submit(manager.Job{Kind: manager.JobFullRefresh}); err != nil {
		h.writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "success"})
}

// HandleRetest 处理 POST /api/retest/{proxy} 请求。The retest runs in the
// background; the response carries the record as it was before.
func (h *Handler) HandleRetest(w http.ResponseWriter, r *http.Request) {
	ep, err := model.ParseEndpoint(r.PathValue("proxy"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.pool.Submit(manager.Job{Kind: manager.JobRetest, Endpoint: ep}); err != nil {
		h.writeSubmitError(w, err)
		return
	}
	res, _ := h.pool.Get(ep)
	lastChecked := "Never"
	if res.LastChecked != nil {
		lastChecked = res.LastChecked.Local().Format(model.TimeLayout)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"proxy":         ep,
		"status":        "queued",
		"fully_healthy": res.FullyHealthy(),
		"last_checked":  lastChecked,
	})
}

func (h *Handler) writeSubmitError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, manager.ErrScanInProgress):
		status = http.StatusConflict
	case errors.Is(err, manager.ErrQueueFull):
		status = http.StatusServiceUnavailable
	case errors.Is(err, manager.ErrUnknownEndpoint):
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"status": "failure", "error": err.Error()})
}

// HandleSetProxy 处理 POST /api/set_proxy/{proxy} 请求
func (h *Handler) HandleSetProxy(w http.ResponseWriter, r *http.Request) {
	if !h.requireDownstream(w) {
		return
	}
	proxy := r.PathValue("proxy")
	status := "failure"
	if h.downstream.SetProxy(r.Context(), proxy) {
		status = "success"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status, "proxy": proxy})
}

// HandleCurrentProxy 处理 GET /api/current_proxy 请求
func (h *Handler) HandleCurrentProxy(w http.ResponseWriter, r *http.Request) {
	if !h.requireDownstream(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"current_proxy": h.downstream.CurrentProxy(r.Context())})
}

// HandleQBStatus 处理 GET /api/qb_status 请求
func (h *Handler) HandleQBStatus(w http.ResponseWriter, r *http.Request) {
	if !h.requireDownstream(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": h.downstream.ConnectionStatus(r.Context())})
}

func (h *Handler) requireDownstream(w http.ResponseWriter) bool {
	if h.downstream == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "qBittorrent is not configured"})
		return false
	}
	return true
}
