package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"IntentHub/internal/adapter"
	"IntentHub/internal/auth"
	xerrors "IntentHub/internal/errors"
	"IntentHub/internal/intent"
	"IntentHub/internal/observability/metrics"
	"IntentHub/internal/registry"
	"IntentHub/internal/replay"
	"IntentHub/internal/router"
	"IntentHub/pkg/logger"
)

const (
	// HeaderIntentID 携带调用方分配的意图 ID，缺省时由信封内容派生。
	HeaderIntentID = "X-Intent-ID"
	// HeaderRequestID 用于关联日志。
	HeaderRequestID = "X-Request-ID"
)

// envelopeOverhead 是信封头部加上最长动作标签的字节数。
const envelopeOverhead = 2 + intent.MaxActionLen + 4

// IntentRouter 是 API 依赖的路由能力。
type IntentRouter interface {
	HandleMessage(ctx context.Context, msg intent.Message) (*adapter.Outcome, error)
}

// Server 负责暴露 REST 接口：提交信封、查询执行记录、指标与健康检查。
type Server struct {
	addr       string
	router     IntentRouter
	store      replay.Store
	actions    *registry.Registry
	collector  *metrics.Collector
	maxPayload int
	auth       *auth.Service
	log        *slog.Logger
}

// Option 自定义 Server。
type Option func(*Server)

// WithRegistry 让健康检查报告已登记的动作及熔断状态。
func WithRegistry(actions *registry.Registry) Option {
	return func(s *Server) { s.actions = actions }
}

// WithCollector 替换默认的指标收集器。
func WithCollector(c *metrics.Collector) Option {
	return func(s *Server) {
		if c != nil {
			s.collector = c
		}
	}
}

// WithAuth 要求 /api/v1 下的请求携带 API Key；健康检查与指标保持开放。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// WithMaxPayload 限制请求体中信封负载的大小，应与编解码器保持一致。
func WithMaxPayload(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxPayload = n
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, r IntentRouter, store replay.Store, opts ...Option) *Server {
	s := &Server{
		addr:       addr,
		router:     r,
		store:      store,
		collector:  metrics.Default(),
		maxPayload: intent.DefaultMaxPayload,
		log:        logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回挂载全部路由的 http.Handler。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/intents", s.instrument("/api/v1/intents", s.protect(s.handleIntents)))
	mux.Handle("/api/v1/intents/", s.instrument("/api/v1/intents/{id}", s.protect(s.handleIntentDetail)))
	mux.Handle("/healthz", s.instrument("/healthz", s.handleHealth))
	mux.Handle("/metrics", s.collector.Handler())
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.Info("API 服务已启动", slog.String("addr", s.addr))
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleIntents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmit(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "仅支持 GET/POST")
	}
}

type submitResponse struct {
	IntentID  string           `json:"intent_id"`
	State     router.State     `json:"state"`
	Outcome   *adapter.Outcome `json:"outcome,omitempty"`
	Code      xerrors.Code     `json:"code,omitempty"`
	Message   string           `json:"message,omitempty"`
	Retryable bool             `json:"retryable,omitempty"`

	// RetryWithNewID 表示失败可重试，但原 ID 已被占用，只能换用新的 X-Intent-ID 重新提交。
	RetryWithNewID bool `json:"retry_with_new_id,omitempty"`
}

// handleSubmit 接收原始信封并同步路由，响应码反映终态。
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		writeError(w, http.StatusServiceUnavailable, string(xerrors.CodeInitializationFailure), "路由器未初始化")
		return
	}
	limit := int64(s.maxPayload) + envelopeOverhead
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, string(intent.CodePayloadTooLarge), fmt.Sprintf("信封超过 %d 字节", limit))
			return
		}
		writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "读取请求体失败")
		return
	}

	msg := intent.Message{ID: strings.TrimSpace(r.Header.Get(HeaderIntentID)), Body: body, Source: "http"}
	if caller := auth.CallerName(r.Context()); caller != "" {
		msg.Source = "http:" + caller
	}
	id := msg.ID
	if id == "" {
		id = intent.DeriveID(body)
	}

	outcome, err := s.router.HandleMessage(r.Context(), msg)
	resp := submitResponse{IntentID: id, State: router.TerminalState(err), Outcome: outcome}
	if err != nil {
		resp.Code = xerrors.CodeOf(err)
		resp.Message = err.Error()
		retryable := xerrors.RetryableError(err)
		resp.Retryable = retryable && !replay.IsConsumed(err)
		resp.RetryWithNewID = retryable && replay.IsConsumed(err)
		writeJSON(w, statusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// statusFor 将路由器错误映射为 HTTP 状态码。
func statusFor(err error) int {
	switch router.TerminalState(err) {
	case router.StateRejectedCodec:
		if xerrors.CodeOf(err) == intent.CodePayloadTooLarge {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusBadRequest
	case router.StateRejectedReplay:
		return http.StatusConflict
	case router.StateRejectedUnknownAction:
		return http.StatusUnprocessableEntity
	}
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case adapter.CodeInvalidPayload:
		return http.StatusUnprocessableEntity
	case adapter.CodeUnavailable, xerrors.CodeStorageFailure, xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

type listResponse struct {
	Records []*replay.Record `json:"records"`
	Count   int              `json:"count"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, string(xerrors.CodeInitializationFailure), "记录存储未初始化")
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), err.Error())
		return
	}
	records, err := s.store.List(r.Context(), opts)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if records == nil {
		records = []*replay.Record{}
	}
	writeJSON(w, http.StatusOK, listResponse{Records: records, Count: len(records)})
}

// handleIntentDetail 处理 /api/v1/intents/{id} 与 /api/v1/intents/stats。
func (s *Server) handleIntentDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "仅支持 GET")
		return
	}
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, string(xerrors.CodeInitializationFailure), "记录存储未初始化")
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/intents/"), "/")
	switch id {
	case "":
		writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "缺少意图 ID")
		return
	case "stats":
		s.handleStats(w, r)
		return
	}

	record, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), err.Error())
		return
	}
	stats, err := s.store.Stats(r.Context(), opts)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type healthResponse struct {
	Status   string            `json:"status"`
	Actions  []intent.Action   `json:"actions"`
	Breakers map[string]string `json:"breakers,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Actions: s.actions.Actions()}
	if resp.Actions == nil {
		resp.Actions = []intent.Action{}
	}
	for _, action := range resp.Actions {
		a, _ := s.actions.Resolve(action)
		if state, ok := adapter.BreakerState(a); ok {
			if resp.Breakers == nil {
				resp.Breakers = make(map[string]string)
			}
			resp.Breakers[string(action)] = state
			if state == "open" {
				resp.Status = "degraded"
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, replay.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, string(replay.CodeRecordNotFound), "记录不存在")
	case xerrors.CodeOf(err) == xerrors.CodeInvalidArgument:
		writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), err.Error())
	default:
		s.log.Error("查询执行记录失败", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, string(xerrors.CodeOf(err)), "查询执行记录失败")
	}
}

// parseListOptions 解析 status、action、limit、offset、order、q、since、until 查询参数。
// since/until 为 Unix 秒。
func parseListOptions(r *http.Request) (replay.ListOptions, error) {
	query := r.URL.Query()
	var opts []replay.ListOption

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return replay.ListOptions{}, fmt.Errorf("limit 参数非法: %q", raw)
		}
		opts = append(opts, replay.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return replay.ListOptions{}, fmt.Errorf("offset 参数非法: %q", raw)
		}
		opts = append(opts, replay.WithOffset(offset))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []replay.Status
		for _, part := range strings.Split(raw, ",") {
			status := replay.Status(strings.ToLower(strings.TrimSpace(part)))
			if !replay.IsValidStatus(status) {
				return replay.ListOptions{}, fmt.Errorf("status 参数非法: %q", part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, replay.WithStatuses(statuses...))
	}
	if raw := query.Get("action"); raw != "" {
		var actions []intent.Action
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				actions = append(actions, intent.Action(part))
			}
		}
		opts = append(opts, replay.WithActions(actions...))
	}
	switch strings.ToLower(query.Get("order")) {
	case "", "desc":
	case "asc":
		opts = append(opts, replay.WithSortOrder(replay.SortByUpdatedAsc))
	default:
		return replay.ListOptions{}, fmt.Errorf("order 参数非法: %q", query.Get("order"))
	}
	for key, apply := range map[string]func(time.Time) replay.ListOption{
		"since": replay.WithUpdatedSince,
		"until": replay.WithUpdatedUntil,
	} {
		raw := query.Get(key)
		if raw == "" {
			continue
		}
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return replay.ListOptions{}, fmt.Errorf("%s 参数非法: %q", key, raw)
		}
		opts = append(opts, apply(time.Unix(ts, 0)))
	}
	if q := strings.TrimSpace(query.Get("q")); q != "" {
		opts = append(opts, replay.WithQuery(q))
	}
	return replay.BuildListOptions(opts...), nil
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument 为请求分配 request id，并记录访问日志与 HTTP 指标。
func (s *Server) instrument(route string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()
		next(rec, r)
		elapsed := time.Since(started)

		s.collector.ObserveHTTPRequest(route, r.Method, rec.status, elapsed)
		s.log.Debug("HTTP 请求",
			slog.String("request_id", requestID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("elapsed", elapsed),
		)
	})
}

func (s *Server) protect(next http.HandlerFunc) http.HandlerFunc {
	if !s.auth.Enabled() {
		return next
	}
	return s.auth.Middleware(auth.MiddlewareConfig{RequiredPermissions: auth.DefaultPermissions()})(next).ServeHTTP
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "服务已关闭")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
