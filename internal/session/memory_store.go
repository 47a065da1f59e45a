package session

import (
	"context"
	"sync"
	"time"

	xerrors "AgentBazaar/internal/errors"
)

// MemoryStore 以内存方式保存会话状态，用于开发与测试。
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "session 不能为空")
	}
	if sess.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	if _, ok := m.sessions[sess.ID]; ok {
		return ErrSessionConflict
	}
	now := time.Now().Unix()
	if sess.CreatedAt == 0 {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	m.sessions[sess.ID] = cloneSession(sess)
	return nil
}

// Get 返回会话。
func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(sess), nil
}

// Claim 将会话状态更新为运行中，消耗一次尝试机会。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	switch sess.Status {
	case StatusSucceeded:
		return cloneSession(sess), ErrSessionCompleted
	case StatusRunning:
		return cloneSession(sess), ErrSessionConflict
	}
	if sess.Attempts >= sess.MaxRetries {
		return cloneSession(sess), ErrSessionExhausted
	}
	sess.Status = StatusRunning
	sess.Attempts++
	sess.LastError = ""
	sess.ErrorCode = ""
	sess.UpdatedAt = time.Now().Unix()
	return cloneSession(sess), nil
}

// MarkSucceeded 记录成功结果。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, outcome Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.Status = StatusSucceeded
	sess.Outcome = &outcome
	sess.LastError = ""
	sess.ErrorCode = ""
	sess.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed 标记会话失败。terminal 为假时会话可被重新投递。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code string, lastError string, terminal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if terminal {
		sess.Status = StatusFailed
	} else {
		sess.Status = StatusPending
	}
	sess.LastError = lastError
	sess.ErrorCode = code
	sess.UpdatedAt = time.Now().Unix()
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func cloneSession(sess *Session) *Session {
	clone := *sess
	if sess.Budget != nil {
		budget := *sess.Budget
		clone.Budget = &budget
	}
	if sess.Outcome != nil {
		outcome := *sess.Outcome
		clone.Outcome = &outcome
	}
	return &clone
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
