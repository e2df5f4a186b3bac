package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ketches/mindmap-backend/internal/apperr"
	"github.com/ketches/mindmap-backend/internal/metrics"
	"github.com/ketches/mindmap-backend/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
	clientKeyPrefix     = "req:"
)

// CreditService 积分账本服务，唯一允许读写余额与流水的组件
type CreditService struct {
	db  *gorm.DB
	now func() time.Time
}

// NewCreditService 创建积分账本服务
func NewCreditService(db *gorm.DB) *CreditService {
	return &CreditService{db: db, now: time.Now}
}

// WithTx 返回绑定到外部事务的账本（嵌套调用使用保存点）
func (s *CreditService) WithTx(tx *gorm.DB) *CreditService {
	return &CreditService{db: tx, now: s.now}
}

// LedgerResult 账本操作结果
type LedgerResult struct {
	Balance       int64 `json:"balance"`
	TransactionID uint  `json:"transaction_id"`
	Amount        int64 `json:"amount"`
	Replayed      bool  `json:"replayed,omitempty"`
}

// CreditStatistics 积分统计
type CreditStatistics struct {
	Balance          int64 `json:"balance"`
	TodayConsumed    int64 `json:"today_consumed"`
	MonthConsumed    int64 `json:"month_consumed"`
	TotalEarned      int64 `json:"total_earned"`
	TotalConsumed    int64 `json:"total_consumed"`
	TransactionCount int64 `json:"transaction_count"`
	IsAdmin          bool  `json:"is_admin"`
}

// Reconciliation 余额与流水对账结果
type Reconciliation struct {
	UserID     uint  `json:"user_id"`
	Balance    int64 `json:"balance"`
	LedgerSum  int64 `json:"ledger_sum"`
	Consistent bool  `json:"consistent"`
}

// Balance 获取当前余额，无记录时为 0
func (s *CreditService) Balance(ctx context.Context, userID uint) (int64, error) {
	var bal models.CreditBalance
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&bal).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("查询余额失败: %w", err)
	}
	return bal.Balance, nil
}

// IsAdmin 是否为超级管理员
func (s *CreditService) IsAdmin(ctx context.Context, userID uint) (bool, error) {
	var user models.User
	err := s.db.WithContext(ctx).Select("id", "is_superuser").Where("id = ?", userID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("查询用户失败: %w", err)
	}
	return user.IsSuperuser, nil
}

// GrantInitial 创建积分账户并写入 INITIAL_GRANT，重复调用返回 AlreadyInitialised
func (s *CreditService) GrantInitial(ctx context.Context, userID uint, amount int64, description string) (*LedgerResult, error) {
	if amount < 0 {
		return nil, apperr.New(apperr.CodeInvalidArgument, "初始积分不能为负数")
	}

	var res LedgerResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.CreditBalance{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return apperr.ErrAlreadyInitialised
		}

		now := s.now().UTC()
		bal := models.CreditBalance{UserID: userID, Balance: amount, CreatedAt: now, UpdatedAt: now}
		if err := tx.Create(&bal).Error; err != nil {
			if isDuplicateKey(err) {
				return apperr.ErrAlreadyInitialised
			}
			return err
		}

		txn, err := s.appendTxn(tx, userID, models.TxnInitialGrant, amount, amount, description, "", nil)
		if err != nil {
			return err
		}
		res = LedgerResult{Balance: amount, TransactionID: txn.ID, Amount: amount}
		return nil
	})
	if err != nil {
		return nil, wrapLedgerErr("初始化积分账户失败", err)
	}

	metrics.CreditsTotal.WithLabelValues(string(models.TxnInitialGrant)).Add(float64(amount))
	return &res, nil
}

// Debit 原子扣减积分；管理员写入 0 金额审计流水且余额不变
func (s *CreditService) Debit(ctx context.Context, userID uint, amount int64, description, idempotencyKey string) (*LedgerResult, error) {
	if amount <= 0 {
		return nil, apperr.New(apperr.CodeInvalidArgument, "扣减积分必须为正数")
	}

	admin, err := s.IsAdmin(ctx, userID)
	if err != nil {
		return nil, err
	}

	var res LedgerResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if idempotencyKey != "" {
			expected := amount
			if admin {
				expected = 0
			}
			replayed, err := s.replayDebit(tx, userID, idempotencyKey, expected)
			if err != nil {
				return err
			}
			if replayed != nil {
				res = *replayed
				return nil
			}
		}

		bal, exists, err := lockBalance(tx, userID)
		if err != nil {
			return err
		}

		if admin {
			txn, err := s.appendTxn(tx, userID, models.TxnDeduction, 0, bal.Balance, "[管理员] "+description, idempotencyKey, nil)
			if err != nil {
				return err
			}
			res = LedgerResult{Balance: bal.Balance, TransactionID: txn.ID, Amount: 0}
			return nil
		}

		if !exists || bal.Balance < amount {
			return apperr.InsufficientFunds(amount, bal.Balance)
		}

		result := tx.Model(&models.CreditBalance{}).
			Where("user_id = ? AND balance >= ?", userID, amount).
			Updates(map[string]interface{}{
				"balance":    gorm.Expr("balance - ?", amount),
				"updated_at": s.now().UTC(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			current, _, err := lockBalance(tx, userID)
			if err != nil {
				return err
			}
			return apperr.InsufficientFunds(amount, current.Balance)
		}

		after, _, err := lockBalance(tx, userID)
		if err != nil {
			return err
		}
		txn, err := s.appendTxn(tx, userID, models.TxnDeduction, amount, after.Balance, description, idempotencyKey, nil)
		if err != nil {
			return err
		}
		res = LedgerResult{Balance: after.Balance, TransactionID: txn.ID, Amount: amount}
		return nil
	})
	if err != nil {
		return nil, wrapLedgerErr("扣减积分失败", err)
	}

	if !res.Replayed {
		metrics.CreditsTotal.WithLabelValues(string(models.TxnDeduction)).Add(float64(res.Amount))
	}
	return &res, nil
}

// replayDebit 按幂等键查找已有扣减；已退款的请求不可重放
func (s *CreditService) replayDebit(tx *gorm.DB, userID uint, key string, amount int64) (*LedgerResult, error) {
	existing, err := findByIdempotencyKey(tx, userID, key)
	if err != nil || existing == nil {
		return nil, err
	}
	if existing.Kind != models.TxnDeduction || existing.Amount != amount {
		return nil, apperr.New(apperr.CodeConflict, "幂等键已被其他操作使用")
	}

	var refunds int64
	if err := tx.Model(&models.CreditTransaction{}).
		Where("linked_txn_id = ? AND kind = ?", existing.ID, models.TxnRefund).
		Count(&refunds).Error; err != nil {
		return nil, err
	}
	if refunds > 0 {
		return nil, apperr.New(apperr.CodeConflict, "该请求已失败并退款，请使用新的幂等键重试")
	}

	bal, _, err := lockBalance(tx, userID)
	if err != nil {
		return nil, err
	}
	return &LedgerResult{Balance: bal.Balance, TransactionID: existing.ID, Amount: existing.Amount, Replayed: true}, nil
}

// Credit 原子增加积分并记录流水
func (s *CreditService) Credit(ctx context.Context, userID uint, amount int64, kind models.TransactionKind, description, idempotencyKey string) (*LedgerResult, error) {
	return s.credit(ctx, userID, amount, kind, description, idempotencyKey, nil)
}

// Refund 退还积分，linkedTxnID 指向被补偿的 DEDUCTION；同一扣减只会退款一次
func (s *CreditService) Refund(ctx context.Context, userID uint, amount int64, reason string, linkedTxnID *uint) (*LedgerResult, error) {
	key := ""
	if linkedTxnID != nil {
		key = fmt.Sprintf("refund:%d", *linkedTxnID)
	}
	return s.credit(ctx, userID, amount, models.TxnRefund, "退还: "+reason, key, linkedTxnID)
}

// GrantManual 管理员手动发放积分
func (s *CreditService) GrantManual(ctx context.Context, userID uint, amount int64, description, idempotencyKey string) (*LedgerResult, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("查询用户失败: %w", err)
	}
	if count == 0 {
		return nil, apperr.New(apperr.CodeNotFound, "用户不存在")
	}
	if strings.TrimSpace(description) == "" {
		description = "管理员发放积分"
	}
	return s.Credit(ctx, userID, amount, models.TxnManualGrant, truncateRunes(description, 500), ClientIdempotencyKey(idempotencyKey))
}

// ClientIdempotencyKey 客户端提供的幂等键加前缀，与内部生成的 refund:/redeem:/referral: 等键隔离
func ClientIdempotencyKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	return clientKeyPrefix + truncateRunes(key, 100)
}

func (s *CreditService) credit(ctx context.Context, userID uint, amount int64, kind models.TransactionKind, description, idempotencyKey string, linkedTxnID *uint) (*LedgerResult, error) {
	if amount <= 0 {
		return nil, apperr.New(apperr.CodeInvalidArgument, "增加积分必须为正数")
	}
	switch kind {
	case models.TxnManualGrant, models.TxnRefund, models.TxnDailyReward:
	default:
		return nil, apperr.New(apperr.CodeInvalidArgument, fmt.Sprintf("不支持的积分类型: %s", kind))
	}

	var res LedgerResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if idempotencyKey != "" {
			existing, err := findByIdempotencyKey(tx, userID, idempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				if existing.Kind != kind || existing.Amount != amount {
					return apperr.New(apperr.CodeConflict, "幂等键已被其他操作使用")
				}
				bal, _, err := lockBalance(tx, userID)
				if err != nil {
					return err
				}
				res = LedgerResult{Balance: bal.Balance, TransactionID: existing.ID, Amount: amount, Replayed: true}
				return nil
			}
		}

		if linkedTxnID != nil {
			if err := checkRefundTarget(tx, userID, *linkedTxnID, amount); err != nil {
				return err
			}
		}

		if _, err := s.ensureBalanceRow(tx, userID); err != nil {
			return err
		}

		if err := tx.Model(&models.CreditBalance{}).
			Where("user_id = ?", userID).
			Updates(map[string]interface{}{
				"balance":    gorm.Expr("balance + ?", amount),
				"updated_at": s.now().UTC(),
			}).Error; err != nil {
			return err
		}

		after, _, err := lockBalance(tx, userID)
		if err != nil {
			return err
		}
		txn, err := s.appendTxn(tx, userID, kind, amount, after.Balance, description, idempotencyKey, linkedTxnID)
		if err != nil {
			return err
		}
		res = LedgerResult{Balance: after.Balance, TransactionID: txn.ID, Amount: amount}
		return nil
	})
	if err != nil {
		return nil, wrapLedgerErr("增加积分失败", err)
	}

	if !res.Replayed {
		metrics.CreditsTotal.WithLabelValues(string(kind)).Add(float64(amount))
	}
	return &res, nil
}

// checkRefundTarget 退款必须指向本人的 DEDUCTION 且不超过原金额
func checkRefundTarget(tx *gorm.DB, userID, linkedTxnID uint, amount int64) error {
	var target models.CreditTransaction
	err := tx.Where("id = ? AND user_id = ?", linkedTxnID, userID).First(&target).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.New(apperr.CodeInvalidArgument, "关联的扣减记录不存在")
	}
	if err != nil {
		return err
	}
	if target.Kind != models.TxnDeduction {
		return apperr.New(apperr.CodeInvalidArgument, "只能对扣减记录退款")
	}
	if amount > target.Amount {
		return apperr.New(apperr.CodeInvalidArgument, "退款金额超过原扣减金额")
	}
	return nil
}

// GrantDailyIfEligible 当日首次调用时发放每日奖励，读取-比较-写入在同一事务内完成
func (s *CreditService) GrantDailyIfEligible(ctx context.Context, userID uint, today string, amount int64) (bool, error) {
	if amount <= 0 {
		return false, nil
	}

	granted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bal, err := s.ensureBalanceRow(tx, userID)
		if err != nil {
			return err
		}
		if bal.LastDailyRewardDate != nil && *bal.LastDailyRewardDate == today {
			return nil
		}

		result := tx.Model(&models.CreditBalance{}).
			Where("user_id = ? AND (last_daily_reward_date IS NULL OR last_daily_reward_date <> ?)", userID, today).
			Updates(map[string]interface{}{
				"balance":                gorm.Expr("balance + ?", amount),
				"last_daily_reward_date": today,
				"updated_at":             s.now().UTC(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}

		after, _, err := lockBalance(tx, userID)
		if err != nil {
			return err
		}
		if _, err := s.appendTxn(tx, userID, models.TxnDailyReward, amount, after.Balance, "每日登录奖励 "+today, "", nil); err != nil {
			return err
		}
		granted = true
		return nil
	})
	if err != nil {
		return false, wrapLedgerErr("发放每日奖励失败", err)
	}

	if granted {
		metrics.CreditsTotal.WithLabelValues(string(models.TxnDailyReward)).Add(float64(amount))
	}
	return granted, nil
}

// History 积分流水（按时间倒序，分页稳定）
func (s *CreditService) History(ctx context.Context, userID uint, limit, offset int) ([]models.CreditTransaction, int64, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}

	db := s.db.WithContext(ctx).Model(&models.CreditTransaction{}).Where("user_id = ?", userID)

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("统计流水失败: %w", err)
	}

	var items []models.CreditTransaction
	if err := db.Order("created_at DESC").Order("id DESC").
		Limit(limit).Offset(offset).
		Find(&items).Error; err != nil {
		return nil, 0, fmt.Errorf("查询流水失败: %w", err)
	}
	return items, total, nil
}

type kindSum struct {
	Kind  models.TransactionKind
	Total int64
}

// Statistics 积分统计（根据流水求和；消耗为扣减减去退款）
func (s *CreditService) Statistics(ctx context.Context, userID uint, loc *time.Location) (*CreditStatistics, error) {
	if loc == nil {
		loc = time.UTC
	}

	balance, err := s.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	admin, err := s.IsAdmin(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := s.now().In(loc)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc).UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc).UTC()

	all, err := s.sumByKind(ctx, userID, nil)
	if err != nil {
		return nil, err
	}
	today, err := s.sumByKind(ctx, userID, &dayStart)
	if err != nil {
		return nil, err
	}
	month, err := s.sumByKind(ctx, userID, &monthStart)
	if err != nil {
		return nil, err
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&models.CreditTransaction{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("统计流水失败: %w", err)
	}

	return &CreditStatistics{
		Balance:          balance,
		TodayConsumed:    consumed(today),
		MonthConsumed:    consumed(month),
		TotalEarned:      all[models.TxnInitialGrant] + all[models.TxnManualGrant] + all[models.TxnDailyReward],
		TotalConsumed:    consumed(all),
		TransactionCount: count,
		IsAdmin:          admin,
	}, nil
}

func (s *CreditService) sumByKind(ctx context.Context, userID uint, since *time.Time) (map[models.TransactionKind]int64, error) {
	db := s.db.WithContext(ctx).Model(&models.CreditTransaction{}).
		Select("kind, COALESCE(SUM(amount), 0) AS total").
		Where("user_id = ?", userID)
	if since != nil {
		db = db.Where("created_at >= ?", *since)
	}

	var rows []kindSum
	if err := db.Group("kind").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("汇总流水失败: %w", err)
	}

	sums := make(map[models.TransactionKind]int64, len(rows))
	for _, r := range rows {
		sums[r.Kind] = r.Total
	}
	return sums, nil
}

func consumed(sums map[models.TransactionKind]int64) int64 {
	v := sums[models.TxnDeduction] - sums[models.TxnRefund]
	if v < 0 {
		return 0
	}
	return v
}

// Verify 对账：余额应等于全部流水带符号金额之和
func (s *CreditService) Verify(ctx context.Context, userID uint) (*Reconciliation, error) {
	balance, err := s.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	sums, err := s.sumByKind(ctx, userID, nil)
	if err != nil {
		return nil, err
	}

	var ledgerSum int64
	for kind, total := range sums {
		ledgerSum += kind.Sign() * total
	}
	return &Reconciliation{
		UserID:     userID,
		Balance:    balance,
		LedgerSum:  ledgerSum,
		Consistent: balance == ledgerSum,
	}, nil
}

// VerifyAll 对所有积分账户对账，返回不一致的记录
func (s *CreditService) VerifyAll(ctx context.Context) ([]Reconciliation, int, error) {
	var userIDs []uint
	if err := s.db.WithContext(ctx).Model(&models.CreditBalance{}).Order("user_id").Pluck("user_id", &userIDs).Error; err != nil {
		return nil, 0, fmt.Errorf("查询积分账户失败: %w", err)
	}

	var mismatched []Reconciliation
	for _, id := range userIDs {
		r, err := s.Verify(ctx, id)
		if err != nil {
			return nil, 0, err
		}
		if !r.Consistent {
			mismatched = append(mismatched, *r)
		}
	}
	return mismatched, len(userIDs), nil
}

// lockBalance 行锁读取余额（SQLite 忽略 FOR UPDATE，由单写者保证串行）
func lockBalance(tx *gorm.DB, userID uint) (models.CreditBalance, bool, error) {
	var bal models.CreditBalance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("user_id = ?", userID).First(&bal).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.CreditBalance{UserID: userID}, false, nil
	}
	if err != nil {
		return bal, false, err
	}
	return bal, true, nil
}

// ensureBalanceRow 读取余额行，不存在时创建零余额账户
func (s *CreditService) ensureBalanceRow(tx *gorm.DB, userID uint) (models.CreditBalance, error) {
	bal, exists, err := lockBalance(tx, userID)
	if err != nil || exists {
		return bal, err
	}
	now := s.now().UTC()
	bal = models.CreditBalance{UserID: userID, CreatedAt: now, UpdatedAt: now}
	if err := tx.Create(&bal).Error; err != nil && !isDuplicateKey(err) {
		return bal, err
	}
	bal, _, err = lockBalance(tx, userID)
	return bal, err
}

func (s *CreditService) appendTxn(tx *gorm.DB, userID uint, kind models.TransactionKind, amount, balanceAfter int64, description, idempotencyKey string, linkedTxnID *uint) (*models.CreditTransaction, error) {
	txn := &models.CreditTransaction{
		UserID:       userID,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		Description:  truncateRunes(description, 500),
		LinkedTxnID:  linkedTxnID,
		CreatedAt:    s.now().UTC(),
	}
	if idempotencyKey != "" {
		txn.IdempotencyKey = &idempotencyKey
	}
	if err := tx.Create(txn).Error; err != nil {
		if isDuplicateKey(err) {
			return nil, apperr.New(apperr.CodeConflict, "重复的请求，请勿重复提交")
		}
		return nil, err
	}
	return txn, nil
}

func findByIdempotencyKey(tx *gorm.DB, userID uint, key string) (*models.CreditTransaction, error) {
	var txn models.CreditTransaction
	err := tx.Where("user_id = ? AND idempotency_key = ?", userID, key).First(&txn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// wrapLedgerErr 业务错误原样返回，其余包装为内部错误
func wrapLedgerErr(msg string, err error) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// isDuplicateKey 唯一约束冲突
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate") ||
		strings.Contains(msg, "unique failed")
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
