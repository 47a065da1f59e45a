package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "AgentBazaar/internal/errors"
)

const defaultGatewayTimeout = 30 * time.Second

// GatewayConfig 描述 HTTP 结算通道的接入信息。
type GatewayConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPGateway 通过 HTTP 对接外部结算服务：
// POST /intents 建立支付意向，POST /transfers 执行转账。
type HTTPGateway struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPGateway 创建 HTTP 结算通道客户端。
func NewHTTPGateway(cfg GatewayConfig) (*HTTPGateway, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供结算通道地址")
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}

	return &HTTPGateway{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// CreatePaymentIntent 在卖方侧建立支付意向。
func (g *HTTPGateway) CreatePaymentIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	var intent Intent
	if err := g.post(ctx, "/intents", req, &intent); err != nil {
		return nil, err
	}
	if strings.TrimSpace(intent.ID) == "" {
		return nil, xerrors.New(CodeGatewayFailure, "结算通道返回了空的意向 id")
	}
	return &intent, nil
}

// ExecuteTransfer 以买方身份对支付意向发起转账。
// 收款地址由注入的解析策略给出，而不是通道默认的解析逻辑。
func (g *HTTPGateway) ExecuteTransfer(ctx context.Context, intent *Intent, buyerAddress string, resolve AddressResolver) (*TransferReceipt, error) {
	if intent == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "支付意向不能为空")
	}
	recipient := intent.SettlementAddress
	if resolve != nil {
		resolved, err := resolve(intent)
		if err != nil {
			return nil, xerrors.Wrap(CodeGatewayFailure, err, "解析收款地址失败")
		}
		recipient = resolved
	}

	payload := map[string]any{
		"intent_id":     intent.ID,
		"buyer_address": buyerAddress,
		"recipient":     recipient,
		"amount":        intent.Amount,
		"currency":      intent.Currency,
	}
	var receipt TransferReceipt
	if err := g.post(ctx, "/transfers", payload, &receipt); err != nil {
		return nil, err
	}
	if strings.TrimSpace(receipt.TransactionRef) == "" {
		return nil, xerrors.New(CodeGatewayFailure, "结算通道未返回交易引用")
	}
	return &receipt, nil
}

func (g *HTTPGateway) post(ctx context.Context, path string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("序列化结算请求失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("构建结算请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return xerrors.Wrap(CodeGatewayFailure, err, "请求结算通道失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return xerrors.New(CodeGatewayFailure,
			fmt.Sprintf("结算通道返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Wrap(CodeGatewayFailure, err, "解析结算通道响应失败")
	}
	return nil
}

// Ensure HTTPGateway 实现 Gateway 接口。
var _ Gateway = (*HTTPGateway)(nil)
