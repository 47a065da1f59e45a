package decision

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
)

// Role 表示谈判中的一方。
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// Turn 描述谈判记录中的一条已有发言，供决策服务参考。
type Turn struct {
	Sender  Role
	Message string
	Price   decimal.Decimal
	Accept  bool
	Reject  bool
}

// Request 描述发送给决策服务的谈判上下文。
type Request struct {
	Role         Role
	ProductName  string
	InitialPrice decimal.Decimal
	CurrentPrice decimal.Decimal
	// Budget 仅对买方有效，为空表示不设预算。
	Budget *decimal.Decimal
	// MinimumPrice 仅对卖方有效，为初始价按折扣上限折算出的底价。
	MinimumPrice *decimal.Decimal
	Transcript   []Turn
}

// Response 是决策服务产出的结构化回复。
type Response struct {
	Message string          `json:"message"`
	Price   decimal.Decimal `json:"proposed_price"`
	Accept  bool            `json:"accept"`
	Reject  bool            `json:"reject"`
	Reason  string          `json:"reason"`
}

// Service 定义了调用决策服务的统一接口。
type Service interface {
	Decide(ctx context.Context, req Request) (*Response, error)
}

// defaultReason 在决策服务未给出理由时使用。
const defaultReason = "Negotiating"

// ApplyDefaults 按外部契约补齐缺失字段：价格缺省为最近一次已知价格，
// accept/reject 缺省为 false，理由缺省为 Negotiating。
func ApplyDefaults(resp *Response, lastKnownPrice decimal.Decimal) {
	if resp == nil {
		return
	}
	if resp.Price.IsZero() {
		resp.Price = lastKnownPrice
	}
	if strings.TrimSpace(resp.Reason) == "" {
		resp.Reason = defaultReason
	}
}
