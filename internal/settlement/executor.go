package settlement

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	xerrors "AgentBazaar/internal/errors"
	"AgentBazaar/internal/observability/alerting"
	"AgentBazaar/pkg/logger"
)

// defaultCurrency 是未显式指定时使用的结算币种。
const defaultCurrency = "USDC"

// Executor 对每场胜出谈判至多执行一次结算，并在账本上独立核验收款方。
// 任何致命核验错误都不得被降级为成功，这是安全属性而非便利性约定。
type Executor struct {
	gateway  Gateway
	ledger   Ledger
	evidence EvidenceStore
	resolver AddressResolver
	alerts   alerting.Dispatcher
	currency string

	mu      sync.Mutex
	settled map[string]bool
}

// ExecutorOption 定义可选的执行器配置。
type ExecutorOption func(*Executor)

// WithEvidenceStore 配置凭据存储。
func WithEvidenceStore(store EvidenceStore) ExecutorOption {
	return func(e *Executor) {
		e.evidence = store
	}
}

// WithAddressResolver 注入转账时的对手方地址解析策略。
func WithAddressResolver(resolver AddressResolver) ExecutorOption {
	return func(e *Executor) {
		e.resolver = resolver
	}
}

// WithAlertDispatcher 配置致命错误的告警分发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ExecutorOption {
	return func(e *Executor) {
		e.alerts = dispatcher
	}
}

// WithCurrency 设置默认结算币种。
func WithCurrency(currency string) ExecutorOption {
	return func(e *Executor) {
		if strings.TrimSpace(currency) != "" {
			e.currency = currency
		}
	}
}

// NewExecutor 创建结算执行器。
func NewExecutor(gateway Gateway, ledger Ledger, opts ...ExecutorOption) *Executor {
	exec := &Executor{
		gateway:  gateway,
		ledger:   ledger,
		currency: defaultCurrency,
		settled:  make(map[string]bool),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(exec)
		}
	}
	if exec.resolver == nil {
		// 缺省策略：按意向中绑定的结算地址转账。
		exec.resolver = func(intent *Intent) (string, error) {
			return intent.SettlementAddress, nil
		}
	}
	return exec
}

// Settle 对一个谈判结果执行结算。
// 同一谈判 id 的第二次调用无论首次结果如何都会被拒绝。
func (e *Executor) Settle(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.NegotiationID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "谈判 id 不能为空")
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "结算金额必须大于零")
	}

	// 先占坑再执行：失败的尝试同样消耗掉唯一一次结算机会。
	e.mu.Lock()
	if e.settled[req.NegotiationID] {
		e.mu.Unlock()
		return nil, xerrors.New(CodeDuplicateSettlement, "该谈判已发起过结算",
			xerrors.WithMetadata("negotiation_id", req.NegotiationID))
	}
	e.settled[req.NegotiationID] = true
	e.mu.Unlock()

	// 前置条件：卖方地址必须存在，且买卖双方地址不得相同。
	seller := strings.TrimSpace(req.SellerAddress)
	buyer := strings.TrimSpace(req.BuyerAddress)
	if seller == "" {
		err := xerrors.New(xerrors.CodeCounterpartyMissing, "卖方结算地址缺失",
			xerrors.WithMetadata("negotiation_id", req.NegotiationID))
		e.raise(ctx, req, err)
		return nil, err
	}
	if buyer == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "买方结算地址缺失")
	}
	if sameAddress(buyer, seller) {
		err := xerrors.New(xerrors.CodeAddressMismatch, "买卖双方结算地址相同",
			xerrors.WithMetadata("negotiation_id", req.NegotiationID))
		e.raise(ctx, req, err)
		return nil, err
	}

	if req.DryRun {
		logger.Audit().Info("settlement_dry_run",
			"negotiation_id", req.NegotiationID,
			"session_id", req.SessionID,
			"amount", req.Amount.String(),
		)
		return &Result{Status: StatusDryRun, AmountPaid: req.Amount}, nil
	}

	if e.gateway == nil || e.ledger == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置结算通道或账本客户端")
	}

	currency := req.Currency
	if strings.TrimSpace(currency) == "" {
		currency = e.currency
	}

	// 第一步：卖方侧建立支付意向，并核对其中绑定的结算地址。
	intent, err := e.gateway.CreatePaymentIntent(ctx, IntentRequest{
		SellerAddress: seller,
		Amount:        req.Amount,
		Currency:      currency,
		Items:         []string{req.ProductName},
	})
	if err != nil {
		return nil, xerrors.Wrap(CodeGatewayFailure, err, "创建支付意向失败")
	}
	if !sameAddress(intent.SettlementAddress, seller) {
		err := xerrors.New(xerrors.CodeAddressMismatch, "支付意向绑定的结算地址与卖方不符",
			xerrors.WithMetadata("negotiation_id", req.NegotiationID),
			xerrors.WithMetadata("intent_address", intent.SettlementAddress),
			xerrors.WithMetadata("expected", seller),
		)
		e.raise(ctx, req, err)
		return nil, err
	}

	// 第二步：买方侧执行转账。
	receipt, err := e.gateway.ExecuteTransfer(ctx, intent, buyer, e.resolver)
	if err != nil {
		return nil, xerrors.Wrap(CodeGatewayFailure, err, "执行转账失败")
	}

	// 第三步：独立核验。不信任转账调用自述的收款方，直接查账本。
	recipient, err := e.ledger.TransferRecipient(ctx, receipt.TransactionRef)
	if err != nil {
		wrapped := xerrors.Wrap(CodeVerificationFailed, err, "账本收款方查询失败",
			xerrors.WithMetadata("transaction_ref", receipt.TransactionRef))
		e.raise(ctx, req, wrapped)
		return nil, wrapped
	}
	switch {
	case sameAddress(recipient, buyer):
		err := xerrors.New(xerrors.CodeAddressMismatch, "资金回流到买方自身地址",
			xerrors.WithMetadata("negotiation_id", req.NegotiationID),
			xerrors.WithMetadata("transaction_ref", receipt.TransactionRef),
		)
		e.raise(ctx, req, err)
		return nil, err
	case !sameAddress(recipient, seller):
		err := xerrors.New(xerrors.CodeAddressMismatch, "资金流向未知的第三方地址",
			xerrors.WithMetadata("negotiation_id", req.NegotiationID),
			xerrors.WithMetadata("transaction_ref", receipt.TransactionRef),
			xerrors.WithMetadata("recipient", recipient),
		)
		e.raise(ctx, req, err)
		return nil, err
	}

	// 账本核验通过：以链上地址为准，而不是通道自述的地址。
	result := &Result{
		Status:            StatusSuccess,
		TransactionRef:    receipt.TransactionRef,
		AmountPaid:        receipt.AmountPaid,
		ProtocolFee:       receipt.ProtocolFee,
		VerifiedRecipient: recipient,
	}

	// 第四步：落凭据。失败只记录日志，不影响已经核验过的结算结果。
	if e.evidence != nil {
		ref, err := e.evidence.StoreEvidence(ctx, &Evidence{
			NegotiationID:     req.NegotiationID,
			CartRef:           req.CartRef,
			ProductID:         req.ProductID,
			ProductName:       req.ProductName,
			Price:             req.Amount,
			BuyerAddress:      buyer,
			SellerAddress:     seller,
			TransactionRef:    receipt.TransactionRef,
			VerifiedRecipient: recipient,
			CreatedAt:         time.Now(),
		})
		if err != nil {
			logger.L().Error("结算凭据写入失败",
				"negotiation_id", req.NegotiationID, "error", err)
		} else {
			result.EvidenceRef = ref
		}
	}

	logger.Audit().Info("settlement_verified",
		"negotiation_id", req.NegotiationID,
		"session_id", req.SessionID,
		"transaction_ref", result.TransactionRef,
		"amount_paid", result.AmountPaid.String(),
		"verified_recipient", result.VerifiedRecipient,
	)
	return result, nil
}

// raise 对致命结算错误触发告警，告警失败只记录日志。
func (e *Executor) raise(ctx context.Context, req Request, err error) {
	if e.alerts == nil || !xerrors.ShouldAlert(err) {
		return
	}
	event := alerting.Event{
		Code:          xerrors.CodeOf(err),
		Message:       err.Error(),
		Severity:      xerrors.SeverityOf(err),
		SessionID:     req.SessionID,
		NegotiationID: req.NegotiationID,
		OccurredAt:    time.Now(),
	}
	if notifyErr := e.alerts.Notify(ctx, event); notifyErr != nil {
		logger.L().Error("结算告警发送失败", "negotiation_id", req.NegotiationID, "error", notifyErr)
	}
}

// sameAddress 对地址做大小写不敏感的比较，链上地址的大小写只是校验和形式。
func sameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
