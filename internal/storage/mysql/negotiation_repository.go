package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"AgentBazaar/internal/decision"
	xerrors "AgentBazaar/internal/errors"
	"AgentBazaar/internal/negotiation"
	"AgentBazaar/internal/settlement"
)

// NegotiationRepository 汇总谈判过程与结算凭据的持久化能力。
type NegotiationRepository interface {
	negotiation.Repository
	settlement.EvidenceStore
	// ListMessages 按轮次顺序读出一场谈判的全部消息，供 API 回放记录。
	ListMessages(ctx context.Context, negotiationID string) ([]negotiation.Proposal, error)
	Close() error
}

// MemoryNegotiationRepository 使用本地 JSON 行文件模拟 MySQL 的效果，方便迭代开发。
type MemoryNegotiationRepository struct {
	mu           sync.Mutex
	negotiations string
	messages     string
	evidence     string
	evidenceSeen map[string]string
}

// NewMemoryNegotiationRepository 创建一个内存谈判仓库。
func NewMemoryNegotiationRepository(dataDir string) (*MemoryNegotiationRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	repo := &MemoryNegotiationRepository{
		negotiations: filepath.Join(dataDir, "negotiations.log"),
		messages:     filepath.Join(dataDir, "negotiation_messages.log"),
		evidence:     filepath.Join(dataDir, "settlement_evidence.log"),
		evidenceSeen: make(map[string]string),
	}
	if err := repo.loadEvidenceRefs(); err != nil {
		return nil, err
	}
	return repo, nil
}

// CreateNegotiation 追加写一条谈判创建记录。
func (m *MemoryNegotiationRepository) CreateNegotiation(_ context.Context, neg *negotiation.Negotiation) error {
	return m.appendJSON(m.negotiations, map[string]any{
		"event":         "created",
		"id":            neg.ID,
		"session_id":    neg.SessionID,
		"buyer_id":      neg.BuyerID,
		"seller_id":     neg.SellerID,
		"product_id":    neg.ProductID,
		"initial_price": neg.InitialPrice,
		"created_at":    time.Now().Unix(),
	})
}

// AppendMessage 追加写一条谈判消息。
func (m *MemoryNegotiationRepository) AppendMessage(_ context.Context, neg *negotiation.Negotiation, proposal negotiation.Proposal) error {
	return m.appendJSON(m.messages, map[string]any{
		"negotiation_id": neg.ID,
		"round":          proposal.Round,
		"sender":         proposal.Sender,
		"message":        proposal.Message,
		"price":          proposal.Price,
		"accept":         proposal.Accept,
		"reject":         proposal.Reject,
		"reason":         proposal.Reason,
		"created_at":     time.Now().Unix(),
	})
}

// UpdateNegotiation 追加写谈判终态。
func (m *MemoryNegotiationRepository) UpdateNegotiation(_ context.Context, neg *negotiation.Negotiation) error {
	return m.appendJSON(m.negotiations, map[string]any{
		"event":       "finished",
		"id":          neg.ID,
		"status":      neg.Status,
		"final_price": neg.FinalPrice,
		"rounds":      neg.Rounds,
		"updated_at":  time.Now().Unix(),
	})
}

// StoreEvidence 写入结算凭据。同一谈判的第二条凭据会被拒绝。
func (m *MemoryNegotiationRepository) StoreEvidence(_ context.Context, record *settlement.Evidence) (string, error) {
	m.mu.Lock()
	if existing, ok := m.evidenceSeen[record.NegotiationID]; ok {
		m.mu.Unlock()
		return "", xerrors.New(xerrors.CodeConflict,
			fmt.Sprintf("谈判 %s 已存在结算凭据 %s", record.NegotiationID, existing))
	}
	ref := uuid.NewString()
	m.evidenceSeen[record.NegotiationID] = ref
	m.mu.Unlock()

	payload := struct {
		Ref string `json:"ref"`
		*settlement.Evidence
	}{Ref: ref, Evidence: record}
	if err := m.appendJSON(m.evidence, payload); err != nil {
		return "", err
	}
	return ref, nil
}

// ListMessages 扫描消息文件，还原指定谈判的逐轮记录。
func (m *MemoryNegotiationRepository) ListMessages(_ context.Context, negotiationID string) ([]negotiation.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(m.messages, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("读取消息文件失败: %w", err)
	}
	defer file.Close()

	var proposals []negotiation.Proposal
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var record struct {
			NegotiationID string          `json:"negotiation_id"`
			Round         int             `json:"round"`
			Sender        string          `json:"sender"`
			Message       string          `json:"message"`
			Price         decimal.Decimal `json:"price"`
			Accept        bool            `json:"accept"`
			Reject        bool            `json:"reject"`
			Reason        string          `json:"reason"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		if record.NegotiationID != negotiationID {
			continue
		}
		proposals = append(proposals, negotiation.Proposal{
			Round:   record.Round,
			Sender:  decision.Role(record.Sender),
			Message: record.Message,
			Price:   record.Price,
			Accept:  record.Accept,
			Reject:  record.Reject,
			Reason:  record.Reason,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("解析消息文件失败: %w", err)
	}
	return proposals, nil
}

// Close 实现 NegotiationRepository 接口，内存仓库无需清理。
func (m *MemoryNegotiationRepository) Close() error { return nil }

func (m *MemoryNegotiationRepository) appendJSON(path string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开数据文件失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化记录失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入数据文件失败: %w", err)
	}
	return nil
}

// loadEvidenceRefs 重启后恢复已结算的谈判集合，保证至多一次约束跨进程生效。
func (m *MemoryNegotiationRepository) loadEvidenceRefs() error {
	file, err := os.OpenFile(m.evidence, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取凭据文件失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var record struct {
			Ref           string `json:"ref"`
			NegotiationID string `json:"negotiation_id"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		if record.NegotiationID != "" {
			m.evidenceSeen[record.NegotiationID] = record.Ref
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析凭据文件失败: %w", err)
	}
	return nil
}

// SQLNegotiationRepository 使用真实的 MySQL 数据库存储谈判与结算信息。
type SQLNegotiationRepository struct {
	db *sql.DB
}

// NewSQLNegotiationRepository 创建连接池并初始化数据表。
func NewSQLNegotiationRepository(ctx context.Context, cfg Config) (*SQLNegotiationRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	repo := &SQLNegotiationRepository{db: db}
	if err := repo.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

func (s *SQLNegotiationRepository) initSchema(ctx context.Context) error {
	schemas := []string{
		`CREATE TABLE IF NOT EXISTS negotiations (
        id VARCHAR(64) NOT NULL PRIMARY KEY,
        session_id VARCHAR(64) NOT NULL,
        buyer_id VARCHAR(64) NOT NULL,
        seller_id VARCHAR(64) NOT NULL,
        product_id VARCHAR(64) NOT NULL,
        product_name VARCHAR(255) NOT NULL,
        initial_price DECIMAL(32,8) NOT NULL,
        budget DECIMAL(32,8) NULL,
        discount_ceiling DECIMAL(8,4) NULL,
        status VARCHAR(16) NOT NULL,
        final_price DECIMAL(32,8) NOT NULL DEFAULT 0,
        rounds INT NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_session (session_id)
)`,
		`CREATE TABLE IF NOT EXISTS negotiation_messages (
        id BIGINT AUTO_INCREMENT PRIMARY KEY,
        negotiation_id VARCHAR(64) NOT NULL,
        round INT NOT NULL,
        sender VARCHAR(16) NOT NULL,
        message TEXT NOT NULL,
        price DECIMAL(32,8) NOT NULL,
        accept TINYINT(1) NOT NULL DEFAULT 0,
        reject TINYINT(1) NOT NULL DEFAULT 0,
        reason VARCHAR(255) DEFAULT '',
        created_at BIGINT NOT NULL,
        INDEX idx_negotiation (negotiation_id, round)
)`,
		`CREATE TABLE IF NOT EXISTS settlement_evidence (
        ref VARCHAR(64) NOT NULL PRIMARY KEY,
        negotiation_id VARCHAR(64) NOT NULL,
        cart_ref VARCHAR(128) DEFAULT '',
        product_id VARCHAR(64) NOT NULL,
        product_name VARCHAR(255) NOT NULL,
        price DECIMAL(32,8) NOT NULL,
        buyer_address VARCHAR(128) NOT NULL,
        seller_address VARCHAR(128) NOT NULL,
        transaction_ref VARCHAR(128) NOT NULL,
        verified_recipient VARCHAR(128) NOT NULL,
        created_at BIGINT NOT NULL,
        UNIQUE KEY uniq_negotiation (negotiation_id)
)`,
	}
	for _, schema := range schemas {
		if _, err := s.db.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("初始化数据表失败: %w", err)
		}
	}
	return nil
}

// CreateNegotiation 插入一条新的谈判记录。
func (s *SQLNegotiationRepository) CreateNegotiation(ctx context.Context, neg *negotiation.Negotiation) error {
	const stmt = `INSERT INTO negotiations
        (id, session_id, buyer_id, seller_id, product_id, product_name,
         initial_price, budget, discount_ceiling, status, final_price, rounds, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	now := time.Now().Unix()
	if _, err := s.db.ExecContext(ctx, stmt,
		neg.ID,
		neg.SessionID,
		neg.BuyerID,
		neg.SellerID,
		neg.ProductID,
		neg.ProductName,
		neg.InitialPrice.String(),
		decimalOrNil(neg.Budget),
		decimalOrNil(neg.DiscountCeiling),
		string(neg.Status),
		neg.FinalPrice.String(),
		neg.Rounds,
		now,
		now,
	); err != nil {
		return fmt.Errorf("写入谈判记录失败: %w", err)
	}
	return nil
}

// AppendMessage 插入一条谈判消息。
func (s *SQLNegotiationRepository) AppendMessage(ctx context.Context, neg *negotiation.Negotiation, proposal negotiation.Proposal) error {
	const stmt = `INSERT INTO negotiation_messages
        (negotiation_id, round, sender, message, price, accept, reject, reason, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, stmt,
		neg.ID,
		proposal.Round,
		string(proposal.Sender),
		proposal.Message,
		proposal.Price.String(),
		proposal.Accept,
		proposal.Reject,
		proposal.Reason,
		time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("写入谈判消息失败: %w", err)
	}
	return nil
}

// UpdateNegotiation 更新谈判终态。
func (s *SQLNegotiationRepository) UpdateNegotiation(ctx context.Context, neg *negotiation.Negotiation) error {
	const stmt = `UPDATE negotiations
        SET status = ?, final_price = ?, rounds = ?, updated_at = ?
        WHERE id = ?`

	if _, err := s.db.ExecContext(ctx, stmt,
		string(neg.Status),
		neg.FinalPrice.String(),
		neg.Rounds,
		time.Now().Unix(),
		neg.ID,
	); err != nil {
		return fmt.Errorf("更新谈判记录失败: %w", err)
	}
	return nil
}

// StoreEvidence 写入结算凭据。negotiation_id 上的唯一索引保证至多一条。
func (s *SQLNegotiationRepository) StoreEvidence(ctx context.Context, record *settlement.Evidence) (string, error) {
	const stmt = `INSERT INTO settlement_evidence
        (ref, negotiation_id, cart_ref, product_id, product_name, price,
         buyer_address, seller_address, transaction_ref, verified_recipient, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	ref := uuid.NewString()
	if _, err := s.db.ExecContext(ctx, stmt,
		ref,
		record.NegotiationID,
		record.CartRef,
		record.ProductID,
		record.ProductName,
		record.Price.String(),
		record.BuyerAddress,
		record.SellerAddress,
		record.TransactionRef,
		record.VerifiedRecipient,
		record.CreatedAt.Unix(),
	); err != nil {
		if strings.Contains(err.Error(), "Duplicate entry") {
			return "", xerrors.Wrap(xerrors.CodeConflict, err,
				fmt.Sprintf("谈判 %s 已存在结算凭据", record.NegotiationID))
		}
		return "", fmt.Errorf("写入结算凭据失败: %w", err)
	}
	return ref, nil
}

// ListMessages 按轮次顺序读出一场谈判的全部消息，供 API 回放记录。
func (s *SQLNegotiationRepository) ListMessages(ctx context.Context, negotiationID string) ([]negotiation.Proposal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT round, sender, message, price, accept, reject, reason
        FROM negotiation_messages WHERE negotiation_id = ? ORDER BY id ASC`, negotiationID)
	if err != nil {
		return nil, fmt.Errorf("查询谈判消息失败: %w", err)
	}
	defer rows.Close()

	var proposals []negotiation.Proposal
	for rows.Next() {
		var (
			proposal negotiation.Proposal
			sender   string
			price    string
		)
		if err := rows.Scan(&proposal.Round, &sender, &proposal.Message, &price,
			&proposal.Accept, &proposal.Reject, &proposal.Reason); err != nil {
			return nil, fmt.Errorf("解析谈判消息失败: %w", err)
		}
		proposal.Sender = decision.Role(sender)
		parsed, err := decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("解析消息价格失败: %w", err)
		}
		proposal.Price = parsed
		proposals = append(proposals, proposal)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历谈判消息失败: %w", err)
	}
	return proposals, nil
}

// Close 关闭底层数据库连接。
func (s *SQLNegotiationRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func decimalOrNil(value *decimal.Decimal) any {
	if value == nil {
		return nil
	}
	return value.String()
}

var (
	_ NegotiationRepository = (*MemoryNegotiationRepository)(nil)
	_ NegotiationRepository = (*SQLNegotiationRepository)(nil)
)
