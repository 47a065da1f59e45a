package session

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	xerrors "AgentBazaar/internal/errors"
	"AgentBazaar/pkg/logger"
)

// SubmitRequest 描述一次购物会话的提交参数。
type SubmitRequest struct {
	ID           string           `json:"id,omitempty"`
	BuyerID      string           `json:"buyer_id"`
	BuyerAddress string           `json:"buyer_address"`
	Query        string           `json:"query"`
	Budget       *decimal.Decimal `json:"budget,omitempty"`
	MaxRounds    int              `json:"max_rounds,omitempty"`
	Currency     string           `json:"currency,omitempty"`
	DryRun       bool             `json:"dry_run"`
}

// Service 负责会话的创建与查询。
type Service struct {
	store         Store
	producer      Producer
	maxRetries    int
	defaultDryRun bool
}

// ServiceOption 用于调整会话服务的可选行为。
type ServiceOption func(*Service)

// WithDefaultDryRun 设置会话的默认演练模式。
// 开启后，未显式指定 dry_run 的提交也会以演练模式执行。
func WithDefaultDryRun(enabled bool) ServiceOption {
	return func(s *Service) {
		s.defaultDryRun = enabled
	}
}

// NewService 构造会话服务。
func NewService(store Store, producer Producer, maxRetries int, opts ...ServiceOption) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	svc := &Service{store: store, producer: producer, maxRetries: maxRetries}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Submit 创建一个新的购物会话并推送到队列。
// 带 ID 的重复提交是幂等的：直接返回已存在的会话。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Session, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, xerrors.New(CodeSessionValidation, "商品查询关键字不能为空")
	}
	if req.Budget != nil && req.Budget.LessThanOrEqual(decimal.Zero) {
		return nil, xerrors.New(CodeSessionValidation, "预算必须大于零")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "会话服务未初始化")
	}

	sessionID := strings.TrimSpace(req.ID)
	if sessionID != "" {
		sess, err := s.store.Get(ctx, sessionID)
		if err == nil {
			return sess, nil
		}
		if !stdErrors.Is(err, ErrSessionNotFound) {
			return nil, err
		}
	} else {
		sessionID = uuid.NewString()
	}

	sess := &Session{
		ID:           sessionID,
		BuyerID:      req.BuyerID,
		BuyerAddress: req.BuyerAddress,
		Query:        req.Query,
		Budget:       req.Budget,
		MaxRounds:    req.MaxRounds,
		Currency:     req.Currency,
		DryRun:       req.DryRun || s.defaultDryRun,
		Status:       StatusPending,
		Attempts:     0,
		MaxRetries:   s.maxRetries,
	}
	if err := s.store.Create(ctx, sess); err != nil {
		if stdErrors.Is(err, ErrSessionConflict) {
			existing, getErr := s.store.Get(ctx, sessionID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrSessionNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, sessionID); err != nil {
		logger.L().Error("会话入队失败", slog.Any("error", err), slog.String("session_id", sessionID))
		wrapped := xerrors.Wrap(CodeSessionPublish, err, "发布会话到队列失败")
		_ = s.store.MarkFailed(ctx, sessionID, string(CodeSessionPublish), wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("会话入队成功",
		slog.String("session_id", sessionID),
		slog.String("query", sess.Query),
		slog.Bool("dry_run", sess.DryRun),
		slog.Int("max_retries", sess.MaxRetries),
	)
	return sess, nil
}

// Get 返回指定会话的状态。
func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "会话存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}
