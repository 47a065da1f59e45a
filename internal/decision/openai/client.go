package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"AgentBazaar/internal/decision"
	xerrors "AgentBazaar/internal/errors"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 HTTP 调用 OpenAI，让大模型扮演买方或卖方给出谈判决策。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Decide 调用 OpenAI 生成一条结构化的谈判决策。
// 网络或服务端故障返回 DECISION_UNAVAILABLE；响应内容不符合契约返回
// MALFORMED_DECISION，由上层决定是否降级到启发式策略。
func (c *Client) Decide(ctx context.Context, req decision.Request) (*decision.Response, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建 OpenAI 请求失败: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDecisionUnavailable, err, "请求 OpenAI 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, xerrors.New(xerrors.CodeDecisionUnavailable,
			fmt.Sprintf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMalformedDecision, err, "解析 OpenAI 响应失败")
	}
	if len(decoded.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeMalformedDecision, "OpenAI 响应中没有有效的 choices")
	}

	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return nil, xerrors.New(xerrors.CodeMalformedDecision, "OpenAI 响应内容为空")
	}

	// 仅做一次严格解码，不再层层尝试正则抽取；不符合契约即视为畸形决策。
	var structured decision.Response
	if err := json.Unmarshal([]byte(content), &structured); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMalformedDecision, err, "决策内容不是合法 JSON")
	}
	decision.ApplyDefaults(&structured, req.CurrentPrice)
	if strings.TrimSpace(structured.Message) == "" {
		structured.Message = content
	}

	return &structured, nil
}

func (c *Client) buildPayload(req decision.Request) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	messages := []message{
		{
			Role:    "system",
			Content: systemPrompt(req),
		},
		{
			Role:    "user",
			Content: buildUserPrompt(req),
		},
	}

	body := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"temperature": 0.7,
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化 OpenAI 请求失败: %w", err)
	}
	return encoded, nil
}

const responseContract = "" +
	"Always respond with ONLY a compact JSON object: " +
	"{\"message\": string, \"proposed_price\": number, \"accept\": bool, \"reject\": bool, \"reason\": string}."

func systemPrompt(req decision.Request) string {
	var builder strings.Builder
	if req.Role == decision.RoleSeller {
		builder.WriteString("You are a merchant agent negotiating with a buyer. ")
		builder.WriteString("Maximize price while remaining competitive. ")
		if req.MinimumPrice != nil {
			builder.WriteString(fmt.Sprintf(
				"Your minimum acceptable price is %s; never accept offers below it. ",
				req.MinimumPrice.StringFixed(2)))
		}
		builder.WriteString("Set reject=true to end negotiation without agreement. ")
	} else {
		builder.WriteString("You are a shopping agent negotiating as a buyer. ")
		builder.WriteString("Make counter-offers below the current price and accept fair deals. ")
		if req.Budget != nil {
			builder.WriteString(fmt.Sprintf(
				"You have a hard budget of %s; never propose or accept any price above it. ",
				req.Budget.StringFixed(2)))
		}
		builder.WriteString("Set reject=true to end negotiation without agreement. ")
	}
	builder.WriteString(responseContract)
	return builder.String()
}

func buildUserPrompt(req decision.Request) string {
	var builder strings.Builder
	builder.WriteString("## 当前谈判\n")
	builder.WriteString(fmt.Sprintf("商品: %s\n", strings.TrimSpace(req.ProductName)))
	builder.WriteString(fmt.Sprintf("初始报价: %s\n", req.InitialPrice.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("当前价格: %s\n", req.CurrentPrice.StringFixed(2)))
	if req.Budget != nil {
		builder.WriteString(fmt.Sprintf("买方预算上限: %s\n", req.Budget.StringFixed(2)))
	}
	if req.MinimumPrice != nil {
		builder.WriteString(fmt.Sprintf("卖方最低可接受价: %s\n", req.MinimumPrice.StringFixed(2)))
	}

	if len(req.Transcript) > 0 {
		builder.WriteString("\n## 谈判记录\n")
		start := 0
		if len(req.Transcript) > 5 {
			start = len(req.Transcript) - 5
		}
		for idx, turn := range req.Transcript[start:] {
			builder.WriteString(fmt.Sprintf("[%d] %s: %s (%s)\n",
				idx+1,
				turn.Sender,
				truncate(turn.Message),
				turn.Price.StringFixed(2),
			))
		}
	}

	builder.WriteString("\n请给出你的下一步谈判决策。")
	return builder.String()
}

func truncate(text string) string {
	text = strings.TrimSpace(text)
	if len([]rune(text)) > 80 {
		return string([]rune(text)[:80]) + "..."
	}
	return text
}
