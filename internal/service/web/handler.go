package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"storecrawl/internal/control"
	"storecrawl/internal/shared/logger"
	"storecrawl/internal/shared/types"
	"storecrawl/internal/store"
)

const (
	defaultService = "steam"
	defaultPerPage = 10
	maxPerPage     = 500
	// (page-1)*per_page 的上限，超出的页码被截断
	maxSkip = math.MaxInt32
)

// SchedulerControl 是控制面对调度进程的操作
type SchedulerControl interface {
	Status(ctx context.Context) (bool, error)
	Start(ctx context.Context) (int32, error)
	Stop(ctx context.Context) (*control.StopResult, error)
}

var _ SchedulerControl = (*control.Controller)(nil)

// Handler 持有 HTTP API 依赖的组件
type Handler struct {
	conf     types.ServerConf
	logFile  string
	control  SchedulerControl
	store    store.Store
	services []string
	tokens   *tokenIssuer
	log      zerolog.Logger
}

// NewHandler services 是可查询的平台名，顺序无关
func NewHandler(cfg *types.Config, ctl SchedulerControl, st store.Store, services []string) *Handler {
	return &Handler{
		conf:     cfg.ServerConf,
		logFile:  cfg.LogConf.File,
		control:  ctl,
		store:    st,
		services: services,
		tokens:   newTokenIssuer(cfg.JWTSecret, cfg.TokenTTL()),
		log:      logger.WithComponent("Web/Handler"),
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		l := logger.WithComponent("Web/Handler")
		l.Warn().Err(err).Msg("Failed to encode response.")
	}
}

func writeMsg(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"msg": msg})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// HandleLogin 校验管理员凭据并签发令牌
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeMsg(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !checkCredentials(req.Username, req.Password, h.conf.AdminUser, h.conf.AdminPassword) {
		h.log.Warn().Str("user", req.Username).Str("remote_addr", r.RemoteAddr).Msg("Login rejected.")
		writeMsg(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	token, err := h.tokens.Issue(req.Username)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to issue token.")
		writeMsg(w, http.StatusInternalServerError, "Error issuing token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access_token": token})
}

func (h *Handler) HandleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	running, err := h.control.Status(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to query scheduler status.")
		writeMsg(w, http.StatusInternalServerError, fmt.Sprintf("Error checking scheduler: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"running": running})
}

func (h *Handler) HandleSchedulerStart(w http.ResponseWriter, r *http.Request) {
	pid, err := h.control.Start(r.Context())
	switch {
	case errors.Is(err, control.ErrAlreadyRunning):
		writeMsg(w, http.StatusBadRequest, "The scheduler is already running on the server.")
	case err != nil:
		h.log.Error().Err(err).Msg("Failed to start scheduler.")
		writeMsg(w, http.StatusInternalServerError, fmt.Sprintf("Error starting scheduler: %v", err))
	default:
		writeJSON(w, http.StatusOK, map[string]any{"msg": "Scheduler started", "pid": pid})
	}
}

func (h *Handler) HandleSchedulerStop(w http.ResponseWriter, r *http.Request) {
	res, err := h.control.Stop(r.Context())
	switch {
	case errors.Is(err, control.ErrNotRunning):
		writeMsg(w, http.StatusNotFound, "Scheduler not running")
	case err != nil:
		h.log.Error().Err(err).Msg("Failed to stop scheduler.")
		writeMsg(w, http.StatusInternalServerError, fmt.Sprintf("Error stopping scheduler: %v", err))
	default:
		body := map[string]any{
			"msg":         "Scheduler and its subprocesses stopped",
			"pid":         res.PID,
			"descendants": res.Descendants,
		}
		if res.Warning != nil {
			body["warning"] = res.Warning.Error()
		}
		writeJSON(w, http.StatusOK, body)
	}
}

// collection 把服务名映射到 live 集合名，ok 为 false 表示服务未知
func (h *Handler) collection(service string) (string, bool) {
	if !slices.Contains(h.services, service) {
		return "", false
	}
	return types.SourceConf{Name: service}.Collection(), true
}

// HandleGamesCount GET /games/count?service=
func (h *Handler) HandleGamesCount(w http.ResponseWriter, r *http.Request) {
	coll, ok := h.collection(r.URL.Query().Get("service"))
	if !ok {
		writeMsg(w, http.StatusBadRequest, "Invalid service")
		return
	}
	n, err := h.store.Count(r.Context(), coll, nil)
	if err != nil {
		h.log.Error().Err(err).Str("collection", coll).Msg("Count failed.")
		writeMsg(w, http.StatusInternalServerError, fmt.Sprintf("Error counting games: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": n})
}

func positiveInt(raw string, def int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	return n
}

// HandleGames GET /games?service=&page=&per_page=&region=
// 未知服务回退到 steam。给定 region 时只返回该区域有价格的记录，并把价格投影为 "price" 字段。
func (h *Handler) HandleGames(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	coll, ok := h.collection(q.Get("service"))
	if !ok {
		coll = types.SourceConf{Name: defaultService}.Collection()
	}
	page := positiveInt(q.Get("page"), 1)
	perPage := min(positiveInt(q.Get("per_page"), defaultPerPage), maxPerPage)
	page = min(page, maxSkip/perPage+1)
	region := strings.ToLower(strings.TrimSpace(q.Get("region")))

	opts := store.FindOptions{Skip: (page - 1) * perPage, Limit: perPage}
	if region != "" {
		opts.Filter = store.Filter{{Path: "prices." + region, NotEqual: types.PriceFreeNotAvailable}}
	}

	docs, err := h.store.Find(r.Context(), coll, opts)
	if err != nil {
		h.log.Error().Err(err).Str("collection", coll).Msg("Find failed.")
		writeMsg(w, http.StatusInternalServerError, fmt.Sprintf("Error fetching games: %v", err))
		return
	}
	if region != "" {
		for _, d := range docs {
			projectRegion(d, region)
		}
	}
	if docs == nil {
		docs = []store.Document{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"games": docs})
}

// projectRegion 用单个区域的价格替换 prices 映射
func projectRegion(d store.Document, region string) {
	prices, ok := d["prices"].(map[string]any)
	if !ok {
		return
	}
	if p, ok := prices[region]; ok {
		d["price"] = p
		delete(d, "prices")
	}
}

// HandleLogs 以纯文本返回日志文件
func (h *Handler) HandleLogs(w http.ResponseWriter, r *http.Request) {
	if h.logFile == "" {
		writeMsg(w, http.StatusInternalServerError, "Error fetching logs: no log file configured")
		return
	}
	f, err := os.Open(h.logFile)
	if err != nil {
		writeMsg(w, http.StatusInternalServerError, fmt.Sprintf("Error fetching logs: %v", err))
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		h.log.Warn().Err(err).Msg("Log download interrupted.")
	}
}
