package session

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"AgentBazaar/internal/catalog"
	xerrors "AgentBazaar/internal/errors"
	"AgentBazaar/internal/negotiation"
	"AgentBazaar/internal/observability/alerting"
	"AgentBazaar/internal/settlement"
	"AgentBazaar/pkg/logger"
)

// Negotiator 执行一场完整谈判并返回终态记录。
type Negotiator interface {
	Run(ctx context.Context, neg *negotiation.Negotiation) (*negotiation.Negotiation, error)
}

// NegotiatorFactory 按轮数上限构造谈判编排器。maxRounds <= 0 使用默认值。
type NegotiatorFactory func(maxRounds int) Negotiator

// Settler 对胜出报盘执行至多一次的结算。
type Settler interface {
	Settle(ctx context.Context, req settlement.Request) (*settlement.Result, error)
}

// Processor 负责从队列消费购物会话并完成谈判-比价-结算全流程。
type Processor struct {
	store       Store
	consumer    Consumer
	producer    Producer
	catalog     catalog.Provider
	negotiators NegotiatorFactory
	settler     Settler
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定调试日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(store Store, consumer Consumer, producer Producer, provider catalog.Provider, negotiators NegotiatorFactory, settler Settler, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:       store,
		consumer:    consumer,
		producer:    producer,
		catalog:     provider,
		negotiators: negotiators,
		settler:     settler,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动会话处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置会话消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, sessionID string) error {
	if p.store == nil || p.catalog == nil || p.negotiators == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	sess, err := p.store.Claim(ctx, sessionID)
	if err != nil {
		if stdErrors.Is(err, ErrSessionNotFound) || stdErrors.Is(err, ErrSessionCompleted) || stdErrors.Is(err, ErrSessionExhausted) {
			p.logDebug("跳过会话", slog.String("session_id", sessionID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取会话失败", slog.Any("error", err), slog.String("session_id", sessionID))
		return err
	}

	outcome, procErr := p.process(ctx, sess)
	if procErr != nil {
		return p.handleFailure(ctx, sess, procErr)
	}

	if err := p.store.MarkSucceeded(ctx, sess.ID, *outcome); err != nil {
		logger.L().Error("标记会话成功状态失败", slog.Any("error", err), slog.String("session_id", sess.ID))
		return err
	}
	logger.Audit().Info("会话处理完成",
		slog.String("session_id", sess.ID),
		slog.Int("offers", len(outcome.Offers)),
		slog.Bool("deal_successful", outcome.DealSuccessful),
	)
	return nil
}

// process 执行购物会话的三段流程：逐卖家谈判、跨卖家比价、对胜者结算。
func (p *Processor) process(ctx context.Context, sess *Session) (*Outcome, error) {
	listings := p.catalog.Search(sess.Query)
	if len(listings) == 0 {
		return nil, xerrors.New(CodeNoListings,
			fmt.Sprintf("没有匹配 %q 的在售商品", sess.Query))
	}

	negotiator := p.negotiators(sess.MaxRounds)

	// 卖家之间相互独立，逐个顺序谈判，各自的记录互不交叉。
	offers := make([]negotiation.Offer, 0, len(listings))
	for _, listing := range listings {
		neg := &negotiation.Negotiation{
			ID:              uuid.NewString(),
			SessionID:       sess.ID,
			BuyerID:         sess.BuyerID,
			SellerID:        listing.SellerID,
			ProductID:       listing.ProductID,
			ProductName:     listing.ProductName,
			InitialPrice:    listing.Price,
			Budget:          sess.Budget,
			DiscountCeiling: listing.DiscountCeiling,
		}
		finished, err := negotiator.Run(ctx, neg)
		if err != nil {
			return nil, xerrors.Wrap(CodeSessionProcessing, err,
				fmt.Sprintf("与卖家 %s 的谈判中断", listing.SellerID))
		}
		offers = append(offers, negotiation.BuildOffer(finished, listing.SellerName, listing.SellerAddress))
	}

	selection, ok := negotiation.SelectBestOffer(offers)
	if !ok {
		return nil, xerrors.New(CodeNoListings, "没有任何可比较的报盘")
	}
	outcome := &Outcome{Offers: offers, Best: &selection}

	// 只有真正达成且在预算内的报盘才会进入结算。
	if !selection.DealQualifying || p.settler == nil {
		return outcome, nil
	}

	result, err := p.settler.Settle(ctx, settlement.Request{
		NegotiationID: selection.Offer.NegotiationID,
		SessionID:     sess.ID,
		CartRef:       sess.ID,
		ProductID:     selection.Offer.ProductID,
		ProductName:   selection.Offer.ProductName,
		BuyerAddress:  sess.BuyerAddress,
		SellerAddress: selection.Offer.SellerAddress,
		Amount:        selection.Offer.NegotiatedPrice,
		Currency:      sess.Currency,
		DryRun:        sess.DryRun,
	})
	if err != nil {
		// 结算的致命错误不可降级为成功，整个会话按失败处理。
		return nil, err
	}
	outcome.Settlement = result
	outcome.DealSuccessful = result.Status == settlement.StatusSuccess || result.Status == settlement.StatusDryRun
	return outcome, nil
}

func (p *Processor) handleFailure(ctx context.Context, sess *Session, procErr error) error {
	code := xerrors.CodeOf(procErr)
	if code == xerrors.CodeUnknown {
		code = CodeSessionProcessing
	}
	retryable := xerrors.RetryableError(procErr)
	terminal := sess.Attempts >= sess.MaxRetries || !retryable

	if storeErr := p.store.MarkFailed(ctx, sess.ID, string(code), procErr.Error(), terminal); storeErr != nil {
		logger.L().Error("标记会话失败状态出错", slog.Any("error", storeErr), slog.String("session_id", sess.ID))
		return storeErr
	}
	logger.Audit().Warn("会话处理失败",
		slog.String("session_id", sess.ID),
		slog.String("query", sess.Query),
		slog.Bool("terminal", terminal),
		slog.String("error", procErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", sess.Attempts),
		slog.Int("max_retries", sess.MaxRetries),
	)

	if terminal {
		p.emitAlert(ctx, sess, code, procErr)
	}

	if retryable && !terminal && p.producer != nil {
		if pubErr := p.producer.Publish(ctx, sess.ID); pubErr != nil {
			return xerrors.Wrap(CodeSessionPublish, pubErr, fmt.Sprintf("会话 %s 重投失败", sess.ID))
		}
		p.logDebug("会话已重新排队", slog.String("session_id", sess.ID), slog.Int("attempts", sess.Attempts))
	}
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, sess *Session, code xerrors.Code, cause error) {
	if p == nil || p.alerter == nil || sess == nil {
		return
	}
	if !xerrors.ShouldAlert(cause) && !xerrors.AttributesOf(code).Alert {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		SessionID:  sess.ID,
		Attempts:   sess.Attempts,
		MaxRetries: sess.MaxRetries,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("session_id", sess.ID),
		)
	}
}
