package session

import (
	"github.com/shopspring/decimal"

	xerrors "AgentBazaar/internal/errors"
	"AgentBazaar/internal/negotiation"
	"AgentBazaar/internal/settlement"
)

// Status 表示购物会话在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Outcome 汇总一次购物会话的全部结果：逐卖家谈判、选中的报盘与结算。
type Outcome struct {
	Offers         []negotiation.Offer    `json:"offers,omitempty"`
	Best           *negotiation.Selection `json:"best,omitempty"`
	DealSuccessful bool                   `json:"deal_successful"`
	Settlement     *settlement.Result     `json:"settlement,omitempty"`
}

// Session 描述了排队处理的购物会话：替买方找到商品、逐卖家砍价、
// 选出最优报盘并结算。
type Session struct {
	ID           string           `json:"id"`
	BuyerID      string           `json:"buyer_id"`
	BuyerAddress string           `json:"buyer_address"`
	Query        string           `json:"query"`
	Budget       *decimal.Decimal `json:"budget,omitempty"`
	MaxRounds    int              `json:"max_rounds,omitempty"`
	Currency     string           `json:"currency,omitempty"`
	DryRun       bool             `json:"dry_run"`
	Status       Status           `json:"status"`
	Attempts     int              `json:"attempts"`
	MaxRetries   int              `json:"max_retries"`
	LastError    string           `json:"last_error,omitempty"`
	ErrorCode    string           `json:"error_code,omitempty"`
	Outcome      *Outcome         `json:"outcome,omitempty"`
	CreatedAt    int64            `json:"created_at"`
	UpdatedAt    int64            `json:"updated_at"`
}

var (
	// ErrSessionNotFound 表示指定的会话不存在。
	ErrSessionNotFound = xerrors.New(CodeSessionNotFound, "session not found")
	// ErrSessionConflict 表示会话在当前状态下无法进行所请求的操作。
	ErrSessionConflict = xerrors.New(CodeSessionConflict, "session conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrSessionCompleted 表示会话已经成功完成。
	ErrSessionCompleted = xerrors.New(CodeSessionCompleted, "session already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrSessionExhausted 表示会话的重试次数已经耗尽。
	ErrSessionExhausted = xerrors.New(CodeSessionExhausted, "session retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeSessionNotFound   xerrors.Code = "SESSION_NOT_FOUND"
	CodeSessionConflict   xerrors.Code = "SESSION_CONFLICT"
	CodeSessionCompleted  xerrors.Code = "SESSION_COMPLETED"
	CodeSessionExhausted  xerrors.Code = "SESSION_RETRIES_EXHAUSTED"
	CodeSessionValidation xerrors.Code = "SESSION_VALIDATION_FAILED"
	CodeSessionPublish    xerrors.Code = "SESSION_PUBLISH_FAILED"
	CodeSessionProcessing xerrors.Code = "SESSION_PROCESSING_FAILED"
	CodeNoListings        xerrors.Code = "SESSION_NO_LISTINGS"
)

func init() {
	xerrors.Register(CodeSessionNotFound, xerrors.Attributes{
		Message:   "session not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSessionConflict, xerrors.Attributes{
		Message:   "session conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSessionCompleted, xerrors.Attributes{
		Message:   "session already completed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSessionExhausted, xerrors.Attributes{
		Message:   "session retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeSessionValidation, xerrors.Attributes{
		Message:   "session validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSessionPublish, xerrors.Attributes{
		Message:   "failed to publish session",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeSessionProcessing, xerrors.Attributes{
		Message:   "session processing failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeNoListings, xerrors.Attributes{
		Message:   "no matching product listings",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// IsValidStatus 检查给定的会话状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}
