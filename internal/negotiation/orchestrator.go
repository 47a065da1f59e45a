package negotiation

import (
	"context"

	"github.com/shopspring/decimal"

	xerrors "AgentBazaar/internal/errors"
	"AgentBazaar/pkg/logger"
)

// Repository 定义谈判过程的持久化协作方。
// 编排器只写不读：活跃谈判的记录始终以内存态为准。
type Repository interface {
	CreateNegotiation(ctx context.Context, neg *Negotiation) error
	AppendMessage(ctx context.Context, neg *Negotiation, proposal Proposal) error
	UpdateNegotiation(ctx context.Context, neg *Negotiation) error
}

// defaultMaxRounds 是谈判轮数的默认上限。
const defaultMaxRounds = 5

// Orchestrator 驱动单个 (买方, 卖方, 商品) 三元组的有界轮次状态机，
// 是预算与折扣约束的最终裁决者。
type Orchestrator struct {
	buyer     DecisionAgent
	seller    DecisionAgent
	repo      Repository
	maxRounds int
}

// OrchestratorOption 定义可选的编排器配置。
type OrchestratorOption func(*Orchestrator)

// WithMaxRounds 设置谈判轮数上限。
func WithMaxRounds(rounds int) OrchestratorOption {
	return func(o *Orchestrator) {
		o.maxRounds = rounds
	}
}

// WithRepository 配置谈判持久化仓库。未配置时谈判仅在内存中进行。
func WithRepository(repo Repository) OrchestratorOption {
	return func(o *Orchestrator) {
		o.repo = repo
	}
}

// NewOrchestrator 创建一个谈判编排器。
func NewOrchestrator(buyer, seller DecisionAgent, opts ...OrchestratorOption) *Orchestrator {
	orch := &Orchestrator{
		buyer:     buyer,
		seller:    seller,
		maxRounds: defaultMaxRounds,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(orch)
		}
	}
	if orch.maxRounds <= 0 {
		orch.maxRounds = defaultMaxRounds
	}
	return orch
}

// Run 执行一场完整谈判，返回带终态的谈判记录。
// 终态只会在这里写入一次，之后不再变化。
func (o *Orchestrator) Run(ctx context.Context, neg *Negotiation) (*Negotiation, error) {
	if o.buyer == nil || o.seller == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置买卖双方代理")
	}
	if neg == nil {
		return nil, xerrors.New(CodeNegotiationValidation, "谈判记录不能为空")
	}
	if neg.InitialPrice.LessThanOrEqual(decimal.Zero) {
		return nil, xerrors.New(CodeNegotiationValidation, "初始报价必须大于零")
	}

	neg.Status = StatusInProgress
	neg.Transcript = nil
	neg.Rounds = 0
	o.persistCreate(ctx, neg)

	// currentPrice 是下一个发言方面对的参考价。
	currentPrice := neg.InitialPrice

	for round := 1; round <= o.maxRounds; round++ {
		neg.Rounds = round

		// 买方回合。
		buyerTurn, err := o.buyer.Propose(ctx, neg, currentPrice, neg.Transcript)
		if err != nil {
			neg.Status = StatusFailed
			neg.FinalPrice = currentPrice
			o.finalize(ctx, neg)
			return neg, err
		}
		buyerTurn.Round = round

		// 预算截断：买方出价永远不得超过预算。
		if neg.Budget != nil && buyerTurn.Price.GreaterThan(*neg.Budget) {
			logger.L().Warn("买方出价超出预算，已截断",
				"negotiation_id", neg.ID,
				"proposed", buyerTurn.Price.String(),
				"budget", neg.Budget.String(),
			)
			buyerTurn.Price = *neg.Budget
			buyerTurn.Accept = false
		}
		// 过期接受防护：卖方当前价已超预算时，买方的接受无效，谈判继续。
		if buyerTurn.Accept && !neg.WithinBudget(currentPrice) {
			logger.L().Warn("卖方当前价超出预算，买方接受被撤销",
				"negotiation_id", neg.ID,
				"current_price", currentPrice.String(),
			)
			buyerTurn.Accept = false
		}
		o.appendTurn(ctx, neg, buyerTurn)

		if buyerTurn.Reject {
			neg.Status = StatusRejected
			neg.FinalPrice = currentPrice
			neg.FinalMessage = buyerTurn.Message
			break
		}
		if buyerTurn.Accept {
			neg.Status = StatusAgreed
			neg.FinalPrice = buyerTurn.Price
			neg.FinalMessage = buyerTurn.Message
			break
		}

		// 买方的出价成为卖方本回合审议的报盘。
		currentPrice = buyerTurn.Price

		// 卖方回合。
		sellerTurn, err := o.seller.Propose(ctx, neg, currentPrice, neg.Transcript)
		if err != nil {
			neg.Status = StatusFailed
			neg.FinalPrice = currentPrice
			o.finalize(ctx, neg)
			return neg, err
		}
		sellerTurn.Round = round
		o.appendTurn(ctx, neg, sellerTurn)

		if sellerTurn.Reject {
			neg.Status = StatusRejected
			neg.FinalPrice = currentPrice
			neg.FinalMessage = sellerTurn.Message
			break
		}
		if sellerTurn.Accept {
			if !neg.WithinBudget(sellerTurn.Price) {
				// 卖方接受的价格超预算：不终止，留给买方在下一回合拒绝。
				logger.L().Warn("卖方接受价超出预算，谈判继续",
					"negotiation_id", neg.ID,
					"accepted", sellerTurn.Price.String(),
				)
				currentPrice = sellerTurn.Price
				continue
			}
			neg.FinalPrice = sellerTurn.Price
			neg.FinalMessage = sellerTurn.Message
			if round == o.maxRounds {
				neg.Status = StatusAgreed
				break
			}
			// 还有剩余轮次时继续，让买方在下一回合确认。
			currentPrice = sellerTurn.Price
			continue
		}

		// 卖方的回价成为下一轮的参考价。
		currentPrice = sellerTurn.Price
	}

	if !neg.Status.Terminal() {
		neg.Status = deriveExhaustedStatus(neg.Transcript)
		neg.FinalPrice = currentPrice
	}

	// 兜底不变式：预算对任何单轮的接受标志拥有最终裁决权。
	if neg.Status == StatusAgreed && !neg.WithinBudget(neg.FinalPrice) {
		logger.L().Warn("达成价超出预算，强制改判为拒绝",
			"negotiation_id", neg.ID,
			"final_price", neg.FinalPrice.String(),
		)
		neg.Status = StatusRejected
	}

	o.finalize(ctx, neg)
	return neg, nil
}

// deriveExhaustedStatus 在轮次耗尽且无人明确接受时推导终态：
// 记录末尾连续两条带 reject 标志则视为拒绝，否则视为失败。
func deriveExhaustedStatus(transcript []Proposal) Status {
	if len(transcript) >= 2 {
		last := transcript[len(transcript)-1]
		prev := transcript[len(transcript)-2]
		if last.Reject && prev.Reject {
			return StatusRejected
		}
	}
	return StatusFailed
}

// appendTurn 把一条提案写入内存记录并尽力持久化。
// 持久化失败只记录日志，内存态仍然是权威结果。
func (o *Orchestrator) appendTurn(ctx context.Context, neg *Negotiation, proposal Proposal) {
	neg.Transcript = append(neg.Transcript, proposal)
	logger.Audit().Info("negotiation_turn",
		"negotiation_id", neg.ID,
		"session_id", neg.SessionID,
		"round", proposal.Round,
		"sender", string(proposal.Sender),
		"price", proposal.Price.String(),
		"accept", proposal.Accept,
		"reject", proposal.Reject,
	)
	if o.repo == nil {
		return
	}
	if err := o.repo.AppendMessage(ctx, neg, proposal); err != nil {
		wrapped := xerrors.Wrap(CodeNegotiationPersist, err, "写入谈判消息失败")
		logger.L().Error("谈判消息持久化失败", "negotiation_id", neg.ID, "error", wrapped)
	}
}

func (o *Orchestrator) persistCreate(ctx context.Context, neg *Negotiation) {
	if o.repo == nil {
		return
	}
	if err := o.repo.CreateNegotiation(ctx, neg); err != nil {
		wrapped := xerrors.Wrap(CodeNegotiationPersist, err, "创建谈判记录失败")
		logger.L().Error("谈判记录创建失败", "negotiation_id", neg.ID, "error", wrapped)
	}
}

// finalize 写入终态并输出审计日志。
func (o *Orchestrator) finalize(ctx context.Context, neg *Negotiation) {
	logger.Audit().Info("negotiation_finished",
		"negotiation_id", neg.ID,
		"session_id", neg.SessionID,
		"status", string(neg.Status),
		"final_price", neg.FinalPrice.String(),
		"rounds", neg.Rounds,
	)
	if o.repo == nil {
		return
	}
	if err := o.repo.UpdateNegotiation(ctx, neg); err != nil {
		wrapped := xerrors.Wrap(CodeNegotiationPersist, err, "更新谈判终态失败")
		logger.L().Error("谈判终态持久化失败", "negotiation_id", neg.ID, "error", wrapped)
	}
}

// BuildOffer 把终态谈判折叠成可跨卖方比较的报盘。
func BuildOffer(neg *Negotiation, sellerName, sellerAddress string) Offer {
	return Offer{
		NegotiationID:   neg.ID,
		SellerID:        neg.SellerID,
		SellerName:      sellerName,
		SellerAddress:   sellerAddress,
		ProductID:       neg.ProductID,
		ProductName:     neg.ProductName,
		InitialPrice:    neg.InitialPrice,
		NegotiatedPrice: neg.FinalPrice,
		Agreed:          neg.Status == StatusAgreed && neg.WithinBudget(neg.FinalPrice),
		FinalMessage:    neg.FinalMessage,
	}
}
