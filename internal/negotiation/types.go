package negotiation

import (
	"github.com/shopspring/decimal"

	"AgentBazaar/internal/decision"
	xerrors "AgentBazaar/internal/errors"
)

// Status 表示一场谈判在生命周期中的状态。
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusAgreed     Status = "agreed"
	StatusRejected   Status = "rejected"
	StatusFailed     Status = "failed"
)

// Proposal 是谈判记录中不可变的一条发言，按 (轮次, 轮内顺序) 排序。
type Proposal struct {
	Round   int              `json:"round"`
	Sender  decision.Role    `json:"sender"`
	Message string           `json:"message"`
	Price   decimal.Decimal  `json:"proposed_price"`
	Accept  bool             `json:"accept"`
	Reject  bool             `json:"reject"`
	Reason  string           `json:"reason,omitempty"`
}

// Negotiation 标识一次购物会话内的买方-卖方-商品三元组。
type Negotiation struct {
	ID           string           `json:"id"`
	SessionID    string           `json:"session_id"`
	BuyerID      string           `json:"buyer_id"`
	SellerID     string           `json:"seller_id"`
	ProductID    string           `json:"product_id"`
	ProductName  string           `json:"product_name"`
	InitialPrice decimal.Decimal  `json:"initial_price"`
	// Budget 为买方价格上限，空指针表示未设预算。
	Budget *decimal.Decimal `json:"budget,omitempty"`
	// DiscountCeiling 为卖方允许的最大折扣百分比。
	DiscountCeiling *decimal.Decimal `json:"discount_ceiling,omitempty"`
	Status          Status           `json:"status"`
	FinalPrice      decimal.Decimal  `json:"final_price"`
	FinalMessage    string           `json:"final_message,omitempty"`
	Rounds          int              `json:"rounds"`
	Transcript      []Proposal       `json:"transcript,omitempty"`
}

// MinimumPrice 返回卖方底价 initialPrice × (1 − ceiling/100)。
// 未配置折扣上限时返回 nil。
func (n *Negotiation) MinimumPrice() *decimal.Decimal {
	if n == nil || n.DiscountCeiling == nil {
		return nil
	}
	ratio := decimal.NewFromInt(100).Sub(*n.DiscountCeiling).Div(decimal.NewFromInt(100))
	min := n.InitialPrice.Mul(ratio).Round(2)
	return &min
}

// WithinBudget 判断给定价格是否不超过买方预算。未设预算时恒为真。
func (n *Negotiation) WithinBudget(price decimal.Decimal) bool {
	if n == nil || n.Budget == nil {
		return true
	}
	return price.LessThanOrEqual(*n.Budget)
}

// Terminal 判断谈判是否已经结束。终态不再变化。
func (s Status) Terminal() bool {
	switch s {
	case StatusAgreed, StatusRejected, StatusFailed:
		return true
	default:
		return false
	}
}

// Offer 是一场谈判的终态摘要，用于跨卖方比较。
type Offer struct {
	NegotiationID   string          `json:"negotiation_id"`
	SellerID        string          `json:"seller_id"`
	SellerName      string          `json:"seller_name,omitempty"`
	SellerAddress   string          `json:"seller_address,omitempty"`
	ProductID       string          `json:"product_id"`
	ProductName     string          `json:"product_name"`
	InitialPrice    decimal.Decimal `json:"initial_price"`
	NegotiatedPrice decimal.Decimal `json:"negotiated_price"`
	// Agreed 表示双方达成一致且最终价在预算之内。
	Agreed       bool   `json:"agreed"`
	FinalMessage string `json:"final_message,omitempty"`
}

const (
	CodeNegotiationValidation xerrors.Code = "NEGOTIATION_VALIDATION_FAILED"
	CodeNegotiationPersist    xerrors.Code = "NEGOTIATION_PERSIST_FAILED"
)

func init() {
	xerrors.Register(CodeNegotiationValidation, xerrors.Attributes{
		Message:   "negotiation validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeNegotiationPersist, xerrors.Attributes{
		Message:   "failed to persist negotiation record",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}
