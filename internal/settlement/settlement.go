package settlement

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	xerrors "AgentBazaar/internal/errors"
)

// Status 表示一次结算的结果状态。
type Status string

const (
	StatusSuccess Status = "success"
	StatusDryRun  Status = "dry_run"
	StatusError   Status = "error"
)

// IntentRequest 描述卖方侧创建支付意向所需的信息。
type IntentRequest struct {
	SellerAddress string          `json:"seller_address"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Items         []string        `json:"items,omitempty"`
}

// Intent 是卖方侧返回的支付意向。
// SettlementAddress 必须与期望的卖方地址一致，否则视为对手方绑定损坏。
type Intent struct {
	ID                string          `json:"id"`
	SettlementAddress string          `json:"settlement_address"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
}

// TransferReceipt 是买方侧转账调用的自述结果。
// ClaimedRecipient 仅供参考，账本核验才是权威。
type TransferReceipt struct {
	TransactionRef   string          `json:"transaction_ref"`
	ClaimedRecipient string          `json:"claimed_recipient"`
	AmountPaid       decimal.Decimal `json:"amount_paid"`
	ProtocolFee      decimal.Decimal `json:"protocol_fee"`
}

// AddressResolver 在发起转账时解析对手方收款地址。
// 以显式策略注入，绝不在运行期改写任何 SDK 内部实现。
type AddressResolver func(intent *Intent) (string, error)

// Gateway 是结算通道协作方：卖方侧建立支付意向，买方侧执行转账。
type Gateway interface {
	CreatePaymentIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	ExecuteTransfer(ctx context.Context, intent *Intent, buyerAddress string, resolve AddressResolver) (*TransferReceipt, error)
}

// Ledger 提供独立于结算通道的账本查询能力。
type Ledger interface {
	// TransferRecipient 根据交易引用返回链上实际的收款地址。
	TransferRecipient(ctx context.Context, transactionRef string) (string, error)
}

// Evidence 是一条从谈判到结算的完整审计凭据。
type Evidence struct {
	NegotiationID     string          `json:"negotiation_id"`
	CartRef           string          `json:"cart_ref,omitempty"`
	ProductID         string          `json:"product_id"`
	ProductName       string          `json:"product_name"`
	Price             decimal.Decimal `json:"price"`
	BuyerAddress      string          `json:"buyer_address"`
	SellerAddress     string          `json:"seller_address"`
	TransactionRef    string          `json:"transaction_ref"`
	VerifiedRecipient string          `json:"verified_recipient"`
	CreatedAt         time.Time       `json:"created_at"`
}

// EvidenceStore 持久化结算凭据。同一谈判只允许一条凭据。
type EvidenceStore interface {
	StoreEvidence(ctx context.Context, record *Evidence) (string, error)
}

// Request 描述对胜出报盘发起的一次结算。
type Request struct {
	NegotiationID string
	SessionID     string
	CartRef       string
	ProductID     string
	ProductName   string
	BuyerAddress  string
	SellerAddress string
	Amount        decimal.Decimal
	Currency      string
	DryRun        bool
}

// Result 是结算的最终结果。
type Result struct {
	Status            Status          `json:"status"`
	TransactionRef    string          `json:"transaction_ref,omitempty"`
	AmountPaid        decimal.Decimal `json:"amount_paid"`
	ProtocolFee       decimal.Decimal `json:"protocol_fee"`
	VerifiedRecipient string          `json:"verified_recipient,omitempty"`
	EvidenceRef       string          `json:"evidence_ref,omitempty"`
}

const (
	// CodeDuplicateSettlement 表示同一谈判的第二次结算调用被拒绝。
	CodeDuplicateSettlement xerrors.Code = "DUPLICATE_SETTLEMENT"
	// CodeVerificationFailed 表示账本核验无法完成，结算不得报告成功。
	CodeVerificationFailed xerrors.Code = "SETTLEMENT_VERIFICATION_FAILED"
	// CodeGatewayFailure 表示结算通道调用失败。
	CodeGatewayFailure xerrors.Code = "SETTLEMENT_GATEWAY_FAILURE"
)

func init() {
	xerrors.Register(CodeDuplicateSettlement, xerrors.Attributes{
		Message:   "settlement already attempted for this negotiation",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeVerificationFailed, xerrors.Attributes{
		Message:   "on-ledger settlement verification failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeGatewayFailure, xerrors.Attributes{
		Message:   "settlement gateway call failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}
