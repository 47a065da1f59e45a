package session

import "context"

// Store 抽象了会话状态的持久化接口。
type Store interface {
	Create(ctx context.Context, sess *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Claim(ctx context.Context, id string) (*Session, error)
	MarkSucceeded(ctx context.Context, id string, outcome Outcome) error
	MarkFailed(ctx context.Context, id string, code string, lastError string, terminal bool) error
	Close() error
}
