package negotiation

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"AgentBazaar/internal/decision"
	"AgentBazaar/pkg/logger"
)

// DecisionAgent 在谈判的某一侧产出下一条提案。
// 实现必须是无状态的：同样的输入必须给出同样的提案。
type DecisionAgent interface {
	Role() decision.Role
	Propose(ctx context.Context, neg *Negotiation, currentPrice decimal.Decimal, transcript []Proposal) (Proposal, error)
}

// defaultDecisionTimeout 是单次决策服务调用的默认超时时间。
const defaultDecisionTimeout = 60 * time.Second

// AgentOption 定义可选的代理配置。
type AgentOption func(*baseAgent)

// WithDecisionTimeout 设置单次决策服务调用的超时时间。
func WithDecisionTimeout(timeout time.Duration) AgentOption {
	return func(a *baseAgent) {
		if timeout <= 0 {
			a.timeout = 0
			return
		}
		a.timeout = timeout
	}
}

// baseAgent 持有买卖双方共用的决策服务句柄。
// service 为空时一律走确定性降级策略。
type baseAgent struct {
	role    decision.Role
	service decision.Service
	timeout time.Duration
}

// BuyerAgent 代表买方出价。
type BuyerAgent struct {
	baseAgent
}

// SellerAgent 代表卖方回价。
type SellerAgent struct {
	baseAgent
}

// NewBuyerAgent 创建买方代理。service 可以为空。
func NewBuyerAgent(service decision.Service, opts ...AgentOption) *BuyerAgent {
	return &BuyerAgent{baseAgent: newBaseAgent(decision.RoleBuyer, service, opts...)}
}

// NewSellerAgent 创建卖方代理。service 可以为空。
func NewSellerAgent(service decision.Service, opts ...AgentOption) *SellerAgent {
	return &SellerAgent{baseAgent: newBaseAgent(decision.RoleSeller, service, opts...)}
}

func newBaseAgent(role decision.Role, service decision.Service, opts ...AgentOption) baseAgent {
	agent := baseAgent{
		role:    role,
		service: service,
		timeout: defaultDecisionTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&agent)
		}
	}
	return agent
}

// Role 返回代理扮演的角色。
func (a *baseAgent) Role() decision.Role {
	return a.role
}

// Propose 产出买方的下一条提案。决策服务不可用或输出畸形时
// 降级为确定性启发式，绝不把故障上抛为谈判失败。
func (a *BuyerAgent) Propose(ctx context.Context, neg *Negotiation, currentPrice decimal.Decimal, transcript []Proposal) (Proposal, error) {
	resp, err := a.decide(ctx, neg, currentPrice, transcript)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Proposal{}, ctxErr
		}
		logger.L().Warn("买方决策服务降级", "negotiation_id", neg.ID, "error", err)
		resp = BuyerFallback(neg.InitialPrice, neg.Budget)
	}
	return proposalFrom(decision.RoleBuyer, resp), nil
}

// Propose 产出卖方的下一条提案，降级策略同买方。
func (a *SellerAgent) Propose(ctx context.Context, neg *Negotiation, currentPrice decimal.Decimal, transcript []Proposal) (Proposal, error) {
	resp, err := a.decide(ctx, neg, currentPrice, transcript)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Proposal{}, ctxErr
		}
		logger.L().Warn("卖方决策服务降级", "negotiation_id", neg.ID, "error", err)
		resp = SellerFallback(neg.InitialPrice, neg.MinimumPrice(), currentPrice)
	}
	return proposalFrom(decision.RoleSeller, resp), nil
}

// decide 调用决策服务一次。service 为空直接返回错误以触发降级。
func (a *baseAgent) decide(ctx context.Context, neg *Negotiation, currentPrice decimal.Decimal, transcript []Proposal) (*decision.Response, error) {
	if a.service == nil {
		return nil, fmt.Errorf("未配置决策服务")
	}

	callCtx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	req := decision.Request{
		Role:         a.role,
		ProductName:  neg.ProductName,
		InitialPrice: neg.InitialPrice,
		CurrentPrice: currentPrice,
		Transcript:   toTurns(transcript),
	}
	switch a.role {
	case decision.RoleBuyer:
		req.Budget = neg.Budget
	case decision.RoleSeller:
		req.MinimumPrice = neg.MinimumPrice()
	}

	resp, err := a.service.Decide(callCtx, req)
	if err != nil {
		return nil, err
	}
	decision.ApplyDefaults(resp, currentPrice)
	return resp, nil
}

// BuyerFallback 是买方的确定性降级策略：按初始价九折出价，
// 并截断到预算上限。纯函数，重复调用结果一致。
func BuyerFallback(initialPrice decimal.Decimal, budget *decimal.Decimal) *decision.Response {
	proposed := initialPrice.Mul(decimal.NewFromFloat(0.9)).Round(2)
	if budget != nil && proposed.GreaterThan(*budget) {
		proposed = *budget
	}
	return &decision.Response{
		Message: fmt.Sprintf("I can offer %s for this item.", proposed.StringFixed(2)),
		Price:   proposed,
		Reason:  "fallback heuristic",
	}
}

// SellerFallback 是卖方的确定性降级策略：
//   - 出价不低于底价时，若买方要求的折扣不超过折扣上限的 70% 则接受，
//     否则按 max(底价, (初始价+出价)/2) 回价；
//   - 出价比底价还低 20% 以上时明确拒绝；
//   - 其余情况按底价回价。
//
// minimum 为空表示卖方不让价，底价即初始价。纯函数。
func SellerFallback(initialPrice decimal.Decimal, minimum *decimal.Decimal, offer decimal.Decimal) *decision.Response {
	floor := initialPrice
	if minimum != nil {
		floor = *minimum
	}

	if offer.GreaterThanOrEqual(floor) {
		if acceptableDiscount(initialPrice, floor, offer) {
			return &decision.Response{
				Message: fmt.Sprintf("Deal, %s it is.", offer.StringFixed(2)),
				Price:   offer,
				Accept:  true,
				Reason:  "fallback heuristic",
			}
		}
		counter := initialPrice.Add(offer).Div(decimal.NewFromInt(2)).Round(2)
		if counter.LessThan(floor) {
			counter = floor
		}
		return &decision.Response{
			Message: fmt.Sprintf("I can come down to %s.", counter.StringFixed(2)),
			Price:   counter,
			Reason:  "fallback heuristic",
		}
	}

	rejectLine := floor.Mul(decimal.NewFromFloat(0.8))
	if offer.LessThan(rejectLine) {
		return &decision.Response{
			Message: "That offer is far below what I can accept.",
			Price:   floor,
			Reject:  true,
			Reason:  "fallback heuristic",
		}
	}

	return &decision.Response{
		Message: fmt.Sprintf("The lowest I can go is %s.", floor.StringFixed(2)),
		Price:   floor,
		Reason:  "fallback heuristic",
	}
}

// acceptableDiscount 判断买方要求的折扣是否不超过折扣上限的 70%。
func acceptableDiscount(initialPrice, floor, offer decimal.Decimal) bool {
	if initialPrice.LessThanOrEqual(decimal.Zero) {
		return false
	}
	requested := initialPrice.Sub(offer)
	if requested.Sign() <= 0 {
		return true
	}
	ceilingAmount := initialPrice.Sub(floor)
	threshold := ceilingAmount.Mul(decimal.NewFromFloat(0.7))
	return requested.LessThanOrEqual(threshold)
}

// proposalFrom 把决策回复转成一条待入录的提案，轮次由编排器填写。
func proposalFrom(role decision.Role, resp *decision.Response) Proposal {
	return Proposal{
		Sender:  role,
		Message: resp.Message,
		Price:   resp.Price,
		Accept:  resp.Accept,
		Reject:  resp.Reject,
		Reason:  resp.Reason,
	}
}

// toTurns 把已有记录转换为决策服务可消费的形式。
func toTurns(transcript []Proposal) []decision.Turn {
	if len(transcript) == 0 {
		return nil
	}
	turns := make([]decision.Turn, 0, len(transcript))
	for _, entry := range transcript {
		turns = append(turns, decision.Turn{
			Sender:  entry.Sender,
			Message: entry.Message,
			Price:   entry.Price,
			Accept:  entry.Accept,
			Reject:  entry.Reject,
		})
	}
	return turns
}
