package control

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"okx-grid-go/infrastructure/logger"
	"okx-grid-go/internal/engine"
)

// StatusSource 提供引擎快照。
type StatusSource interface {
	Snapshot() *engine.Snapshot
}

// Status /api/v1/status 响应体
type Status struct {
	InstID  string           `json:"instId"`
	Running bool             `json:"running"`
	Engine  *engine.Snapshot `json:"engine"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type actionResponse struct {
	Running bool `json:"running"`
	Changed bool `json:"changed"`
}

// Server 管理接口
type Server struct {
	instID  string
	sw      *Switch
	status  StatusSource
	metrics http.Handler
	log     *logger.Logger

	router *mux.Router
	srv    *http.Server
}

func NewServer(addr, instID string, sw *Switch, status StatusSource, metrics http.Handler, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	s := &Server{
		instID:  instID,
		sw:      sw,
		status:  status,
		metrics: metrics,
		log:     log.Named("control"),
		router:  mux.NewRouter(),
	}
	s.setupRoutes()
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/bot/{action}", s.handleAction).Methods(http.MethodPost)
}

// Handler 返回路由（测试用）。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run 启动监听，ctx 取消后优雅关闭。
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.log.Info("admin api listening", zap.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.sw.Stopped() {
		respondError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := Status{InstID: s.instID, Running: s.sw.Running()}
	if s.status != nil {
		st.Engine = s.status.Snapshot()
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]
	var changed bool
	switch action {
	case "start":
		if s.sw.Stopped() {
			respondError(w, http.StatusConflict, "shutting down")
			return
		}
		changed = s.sw.Resume()
	case "pause":
		changed = s.sw.Pause()
	case "stop":
		changed = s.sw.Shutdown()
	default:
		respondError(w, http.StatusNotFound, "unknown action "+action)
		return
	}
	s.log.Info("control action", zap.String("action", action), zap.Bool("changed", changed), zap.String("remote", r.RemoteAddr))
	respondJSON(w, http.StatusOK, actionResponse{Running: s.sw.Running(), Changed: changed})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Error: msg})
}
