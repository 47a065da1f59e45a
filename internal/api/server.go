package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"time"

	xerrors "AgentBazaar/internal/errors"
	"AgentBazaar/internal/negotiation"
	"AgentBazaar/internal/session"
)

// TranscriptReader 提供谈判记录的回放读取能力。
type TranscriptReader interface {
	ListMessages(ctx context.Context, negotiationID string) ([]negotiation.Proposal, error)
}

// Server 负责暴露 REST 接口，供外部提交购物会话并查询结果。
type Server struct {
	addr        string
	sessions    *session.Service
	transcripts TranscriptReader
}

// NewServer 构造 API 服务实例。transcripts 可以为空，此时谈判回放接口不可用。
func NewServer(addr string, sessions *session.Service, transcripts TranscriptReader) *Server {
	return &Server{addr: addr, sessions: sessions, transcripts: transcripts}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 启动服务器并监听关闭信号。
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

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

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/sessions", s.handleSessions)
	mux.HandleFunc("/api/v1/negotiations", s.handleNegotiation)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitSession(w, r)
	case http.MethodGet:
		s.handleGetSession(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

// handleSubmitSession 处理创建购物会话的请求。
func (s *Server) handleSubmitSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		http.Error(w, "会话服务未初始化", http.StatusServiceUnavailable)
		return
	}

	var req session.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	sess, err := s.sessions.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(sess)
}

// handleGetSession 按 id 查询会话状态与结果。
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		http.Error(w, "会话服务未初始化", http.StatusServiceUnavailable)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "缺少 id 参数", http.StatusBadRequest)
		return
	}

	sess, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sess)
}

// handleNegotiation 按谈判 id 回放持久化的逐轮记录。
func (s *Server) handleNegotiation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.transcripts == nil {
		http.Error(w, "谈判记录存储未初始化", http.StatusServiceUnavailable)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "缺少 id 参数", http.StatusBadRequest)
		return
	}

	transcript, err := s.transcripts.ListMessages(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(transcript) == 0 {
		http.Error(w, "谈判记录不存在", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"negotiation_id": id,
		"transcript":     transcript,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// writeError 将内部错误映射为合适的 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case stdErrors.Is(err, session.ErrSessionNotFound):
		status = http.StatusNotFound
	case xerrors.CodeOf(err) == session.CodeSessionValidation:
		status = http.StatusBadRequest
	case xerrors.CodeOf(err) == xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"code":  string(xerrors.CodeOf(err)),
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
