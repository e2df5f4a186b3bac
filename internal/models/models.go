package models

import (
	"time"

	"gorm.io/gorm"
)

// User 用户表
type User struct {
	ID              uint           `gorm:"column:id;primaryKey" json:"id"`
	Email           string         `gorm:"column:email;size:255;not null;uniqueIndex:idx_users_email" json:"email"`
	PasswordHash    string         `gorm:"column:password_hash;size:255" json:"-"`
	DisplayName     *string        `gorm:"column:display_name;size:100" json:"display_name"`
	GoogleID        *string        `gorm:"column:google_id;size:64;index:idx_users_google_id" json:"-"`
	IsActive        bool           `gorm:"column:is_active;not null;default:true" json:"is_active"`
	IsSuperuser     bool           `gorm:"column:is_superuser;not null;default:false" json:"is_superuser"`
	IsVerified      bool           `gorm:"column:is_verified;not null;default:false" json:"is_verified"`
	ReferralCode    string         `gorm:"column:referral_code;size:16;not null;uniqueIndex:idx_users_referral_code" json:"referral_code"`
	ReferralLimit   int            `gorm:"column:referral_limit;not null;default:10" json:"referral_limit"`
	ReferralUsed    int            `gorm:"column:referral_used;not null;default:0" json:"referral_used"`
	InvitationQuota int            `gorm:"column:invitation_quota;not null;default:0" json:"invitation_quota"`
	InvitedBy       *uint          `gorm:"column:invited_by" json:"invited_by,omitempty"`
	CreatedAt       time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"column:updated_at" json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`
}

func (User) TableName() string {
	return "users"
}

// CreditBalance 用户积分余额，每个用户一行
type CreditBalance struct {
	UserID              uint      `gorm:"column:user_id;primaryKey;autoIncrement:false" json:"user_id"`
	Balance             int64     `gorm:"column:balance;not null;default:0;check:,balance >= 0" json:"balance"`
	LastDailyRewardDate *string   `gorm:"column:last_daily_reward_date;size:10" json:"last_daily_reward_date"`
	CreatedAt           time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt           time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (CreditBalance) TableName() string {
	return "user_credits"
}

// TransactionKind 积分流水类型
type TransactionKind string

// 积分流水类型（DEDUCTION 扣减余额，其余增加余额）
const (
	TxnInitialGrant TransactionKind = "INITIAL_GRANT"
	TxnManualGrant  TransactionKind = "MANUAL_GRANT"
	TxnDailyReward  TransactionKind = "DAILY_REWARD"
	TxnDeduction    TransactionKind = "DEDUCTION"
	TxnRefund       TransactionKind = "REFUND"
)

// AllTransactionKinds 全部流水类型
var AllTransactionKinds = []TransactionKind{
	TxnInitialGrant, TxnManualGrant, TxnDailyReward, TxnDeduction, TxnRefund,
}

// Sign 流水对余额的符号
func (k TransactionKind) Sign() int64 {
	if k == TxnDeduction {
		return -1
	}
	return 1
}

// Valid 是否为已知类型
func (k TransactionKind) Valid() bool {
	for _, kind := range AllTransactionKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// CreditTransaction 积分流水（只追加）
type CreditTransaction struct {
	ID             uint            `gorm:"column:id;primaryKey" json:"id"`
	UserID         uint            `gorm:"column:user_id;not null;index:idx_credit_transactions_user_id;uniqueIndex:idx_credit_transactions_idem,priority:1" json:"user_id"`
	Kind           TransactionKind `gorm:"column:kind;type:varchar(20);not null;check:,kind IN ('INITIAL_GRANT','MANUAL_GRANT','DAILY_REWARD','DEDUCTION','REFUND')" json:"kind"`
	Amount         int64           `gorm:"column:amount;not null;check:,amount >= 0" json:"amount"`
	BalanceAfter   int64           `gorm:"column:balance_after;not null" json:"balance_after"`
	Description    string          `gorm:"column:description;size:500" json:"description"`
	IdempotencyKey *string         `gorm:"column:idempotency_key;size:128;uniqueIndex:idx_credit_transactions_idem,priority:2" json:"-"`
	LinkedTxnID    *uint           `gorm:"column:linked_txn_id;index" json:"linked_txn_id,omitempty"`
	CreatedAt      time.Time       `gorm:"column:created_at;index" json:"created_at"`
}

func (CreditTransaction) TableName() string {
	return "credit_transactions"
}

// InvitationCode 注册邀请码（一次性）
type InvitationCode struct {
	ID        uint       `gorm:"column:id;primaryKey" json:"id"`
	Code      string     `gorm:"column:code;size:16;not null;uniqueIndex:idx_invitation_codes_code" json:"code"`
	CreatedBy uint       `gorm:"column:created_by;not null;index" json:"created_by"`
	ExpiresAt *time.Time `gorm:"column:expires_at" json:"expires_at"`
	UsedBy    *uint      `gorm:"column:used_by;index" json:"used_by"`
	UsedAt    *time.Time `gorm:"column:used_at" json:"used_at"`
	CreatedAt time.Time  `gorm:"column:created_at" json:"created_at"`
}

func (InvitationCode) TableName() string {
	return "invitation_codes"
}

// IsUsed 是否已被使用
func (c *InvitationCode) IsUsed() bool {
	return c.UsedBy != nil
}

// IsExpired 是否已过期
func (c *InvitationCode) IsExpired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// 推荐奖励状态
const (
	ReferralStatusRewarded = "REWARDED"
	ReferralStatusCapped   = "CAPPED"
)

// ReferralEvent 推荐注册记录
type ReferralEvent struct {
	ID           uint      `gorm:"column:id;primaryKey" json:"id"`
	InviterID    uint      `gorm:"column:inviter_id;not null;uniqueIndex:idx_referral_events_pair,priority:1" json:"inviter_id"`
	InviteeID    uint      `gorm:"column:invitee_id;not null;uniqueIndex:idx_referral_events_pair,priority:2" json:"invitee_id"`
	InviterBonus int64     `gorm:"column:inviter_bonus;not null;default:0" json:"inviter_bonus"`
	InviteeBonus int64     `gorm:"column:invitee_bonus;not null;default:0" json:"invitee_bonus"`
	Status       string    `gorm:"column:status;type:varchar(16);not null" json:"status"`
	CreatedAt    time.Time `gorm:"column:created_at" json:"created_at"`
}

func (ReferralEvent) TableName() string {
	return "referral_events"
}

// RedemptionStatus 兑换码状态
type RedemptionStatus string

const (
	RedemptionActive   RedemptionStatus = "ACTIVE"
	RedemptionRedeemed RedemptionStatus = "REDEEMED"
	RedemptionExpired  RedemptionStatus = "EXPIRED"
)

// RedemptionCode 积分兑换码
type RedemptionCode struct {
	ID            uint             `gorm:"column:id;primaryKey" json:"id"`
	Code          string           `gorm:"column:code;size:50;not null;uniqueIndex:idx_redemption_codes_code" json:"code"`
	CreditsAmount int64            `gorm:"column:credits_amount;not null;check:,credits_amount > 0" json:"credits_amount"`
	Status        RedemptionStatus `gorm:"column:status;type:varchar(16);not null;default:'ACTIVE';index;check:,status IN ('ACTIVE','REDEEMED','EXPIRED')" json:"status"`
	BatchName     string           `gorm:"column:batch_name;size:100" json:"batch_name"`
	ExpiresAt     time.Time        `gorm:"column:expires_at;not null" json:"expires_at"`
	RedeemedAt    *time.Time       `gorm:"column:redeemed_at" json:"redeemed_at"`
	RedeemedBy    *uint            `gorm:"column:redeemed_by;index" json:"redeemed_by"`
	CreatedBy     *uint            `gorm:"column:created_by" json:"created_by,omitempty"`
	CreatedAt     time.Time        `gorm:"column:created_at" json:"created_at"`
}

func (RedemptionCode) TableName() string {
	return "redemption_codes"
}

// IsAvailable 是否可兑换
func (r *RedemptionCode) IsAvailable(now time.Time) bool {
	return r.Status == RedemptionActive && now.Before(r.ExpiresAt)
}

// LoginToken 邮箱验证码登录令牌
type LoginToken struct {
	ID             uint       `gorm:"column:id;primaryKey" json:"id"`
	Email          string     `gorm:"column:email;size:255;not null;index" json:"email"`
	CodeHash       string     `gorm:"column:code_hash;size:255;not null" json:"-"`
	MagicTokenHash *string    `gorm:"column:magic_token_hash;size:64;uniqueIndex" json:"-"`
	InvitationCode *string    `gorm:"column:invitation_code;size:16" json:"-"`
	InviterID      *uint      `gorm:"column:inviter_id" json:"-"`
	ExpiresAt      time.Time  `gorm:"column:expires_at;not null;index" json:"expires_at"`
	UsedAt         *time.Time `gorm:"column:used_at" json:"used_at"`
	CreatedAt      time.Time  `gorm:"column:created_at" json:"created_at"`
}

func (LoginToken) TableName() string {
	return "login_tokens"
}

// Mindmap 思维导图（由导图存储模块读写，此处仅负责建表）
type Mindmap struct {
	ID         uint           `gorm:"column:id;primaryKey" json:"id"`
	UserID     uint           `gorm:"column:user_id;not null;index" json:"user_id"`
	Title      string         `gorm:"column:title;size:255;not null" json:"title"`
	Content    string         `gorm:"column:content;type:text" json:"content"`
	ShareToken *string        `gorm:"column:share_token;size:64;uniqueIndex:idx_mindmaps_share_token" json:"share_token,omitempty"`
	IsPublic   bool           `gorm:"column:is_public;not null;default:false" json:"is_public"`
	CreatedAt  time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"column:updated_at" json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`
}

func (Mindmap) TableName() string {
	return "mindmaps"
}

// GenerationRecord 携带幂等键的生成结果，同键重放时原样返回
type GenerationRecord struct {
	ID            uint      `gorm:"column:id;primaryKey" json:"id"`
	UserID        uint      `gorm:"column:user_id;not null;index" json:"user_id"`
	TransactionID uint      `gorm:"column:transaction_id;not null;uniqueIndex:idx_generation_records_txn" json:"transaction_id"`
	Fingerprint   string    `gorm:"column:fingerprint;size:64;not null" json:"-"`
	Title         string    `gorm:"column:title;size:255;not null" json:"title"`
	Markdown      string    `gorm:"column:markdown;type:text" json:"markdown"`
	TextLength    int       `gorm:"column:text_length;not null" json:"text_length"`
	CreatedAt     time.Time `gorm:"column:created_at" json:"created_at"`
}

func (GenerationRecord) TableName() string {
	return "generation_records"
}

// SystemFlag 系统级一次性标记，主键唯一保证只有一方写入成功
type SystemFlag struct {
	Key       string    `gorm:"column:key;primaryKey;size:64" json:"key"`
	Value     string    `gorm:"column:value;size:255" json:"value"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
}

func (SystemFlag) TableName() string {
	return "system_flags"
}

// FlagAdminInitialised 已通过保留邀请码创建首个管理员
const FlagAdminInitialised = "admin_initialised"

// All 需要迁移的全部表
func All() []interface{} {
	return []interface{}{
		&User{},
		&CreditBalance{},
		&CreditTransaction{},
		&InvitationCode{},
		&ReferralEvent{},
		&RedemptionCode{},
		&LoginToken{},
		&Mindmap{},
		&GenerationRecord{},
		&SystemFlag{},
	}
}
