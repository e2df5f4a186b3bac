package service

import (
	"sync"
	"testing"
	"time"

	"github.com/ketches/mindmap-backend/internal/apperr"
	"github.com/ketches/mindmap-backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newRedemptionService(db *gorm.DB) *RedemptionService {
	return NewRedemptionService(db, NewCreditService(db))
}

func insertCode(t *testing.T, db *gorm.DB, code string, amount int64, expiresAt time.Time) *models.RedemptionCode {
	t.Helper()
	rc := &models.RedemptionCode{
		Code:          code,
		CreditsAmount: amount,
		Status:        models.RedemptionActive,
		ExpiresAt:     expiresAt.UTC(),
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, db.Create(rc).Error)
	return rc
}

func TestGenerateRedemptions(t *testing.T) {
	db := setupTestDB(t)
	svc := newRedemptionService(db)

	res, err := svc.GenerateRedemptions(ctxBg, &GenerateConfig{Count: 3, CreditsAmount: 50, Prefix: "VIP", Length: 16}, nil)
	require.NoError(t, err)
	assert.Len(t, res.Codes, 3)
	assert.True(t, res.ExpiresAt.After(time.Now()))
	for _, c := range res.Codes {
		assert.Len(t, c, 16)
		assert.Equal(t, "VIP", c[:3])
	}

	var active int64
	require.NoError(t, db.Model(&models.RedemptionCode{}).Where("status = ?", models.RedemptionActive).Count(&active).Error)
	assert.Equal(t, int64(3), active)

	_, err = svc.GenerateRedemptions(ctxBg, &GenerateConfig{Count: 0, CreditsAmount: 50}, nil)
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	_, err = svc.GenerateRedemptions(ctxBg, &GenerateConfig{Count: 1, CreditsAmount: 0}, nil)
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestRedeem(t *testing.T) {
	db := setupTestDB(t)
	svc := newRedemptionService(db)
	user := createFundedUser(t, db, 10)
	insertCode(t, db, "GIFT-2024-ABC", 50, time.Now().Add(24*time.Hour))

	res, err := svc.Redeem(ctxBg, user.ID, "GIFT-2024-ABC")
	require.NoError(t, err)
	assert.Equal(t, int64(50), res.CreditsGained)
	assert.Equal(t, int64(60), res.CurrentBalance)

	var rc models.RedemptionCode
	require.NoError(t, db.Where("code = ?", "GIFT-2024-ABC").First(&rc).Error)
	assert.Equal(t, models.RedemptionRedeemed, rc.Status)
	require.NotNil(t, rc.RedeemedBy)
	assert.Equal(t, user.ID, *rc.RedeemedBy)
	assert.NotNil(t, rc.RedeemedAt)

	var txn models.CreditTransaction
	require.NoError(t, db.Where("id = ?", res.TransactionID).First(&txn).Error)
	assert.Equal(t, models.TxnManualGrant, txn.Kind)
	assert.Equal(t, int64(50), txn.Amount)

	other := createFundedUser(t, db, 0)
	_, err = svc.Redeem(ctxBg, other.ID, "GIFT-2024-ABC")
	assert.ErrorIs(t, err, apperr.ErrCodeAlreadyUsed)

	history, err := svc.History(ctxBg, user.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "GIFT-2024-ABC", history[0].Code)

	rec, err := NewCreditService(db).Verify(ctxBg, user.ID)
	require.NoError(t, err)
	assert.True(t, rec.Consistent)
}

func TestRedeemErrors(t *testing.T) {
	db := setupTestDB(t)
	svc := newRedemptionService(db)
	user := createFundedUser(t, db, 0)
	insertCode(t, db, "OLDCODE01", 30, time.Now().Add(-time.Hour))

	_, err := svc.Redeem(ctxBg, user.ID, "abc")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	_, err = svc.Redeem(ctxBg, user.ID, "UNKNOWN01")
	assert.ErrorIs(t, err, apperr.ErrCodeNotFound)

	_, err = svc.Redeem(ctxBg, user.ID, "OLDCODE01")
	assert.ErrorIs(t, err, apperr.ErrCodeExpired)

	bal, err := NewCreditService(db).Balance(ctxBg, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal, "失败的兑换不应改变余额")

	n, err := svc.ExpireOverdue(ctxBg)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = svc.Redeem(ctxBg, user.ID, "OLDCODE01")
	assert.ErrorIs(t, err, apperr.ErrCodeExpired)
}

func TestRedeemConcurrentSingleWinner(t *testing.T) {
	db := setupTestDB(t)
	svc := newRedemptionService(db)
	insertCode(t, db, "RACE-CODE-1", 40, time.Now().Add(time.Hour))

	users := make([]*models.User, 5)
	for i := range users {
		users[i] = createFundedUser(t, db, 0)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for _, u := range users {
		wg.Add(1)
		go func(id uint) {
			defer wg.Done()
			if _, err := svc.Redeem(ctxBg, id, "RACE-CODE-1"); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}(u.ID)
	}
	wg.Wait()

	assert.Equal(t, 1, success)
	var grants int64
	require.NoError(t, db.Model(&models.CreditTransaction{}).Where("kind = ?", models.TxnManualGrant).Count(&grants).Error)
	assert.Equal(t, int64(1), grants)
}

func TestDeleteRedemption(t *testing.T) {
	db := setupTestDB(t)
	svc := newRedemptionService(db)
	user := createFundedUser(t, db, 0)
	active := insertCode(t, db, "DELETE-ME1", 10, time.Now().Add(time.Hour))
	used := insertCode(t, db, "KEEP-ME-01", 10, time.Now().Add(time.Hour))
	_, err := svc.Redeem(ctxBg, user.ID, used.Code)
	require.NoError(t, err)

	require.NoError(t, svc.DeleteRedemption(ctxBg, active.ID))
	assert.ErrorIs(t, svc.DeleteRedemption(ctxBg, active.ID), apperr.ErrNotFound)
	assert.ErrorIs(t, svc.DeleteRedemption(ctxBg, used.ID), apperr.ErrConflict)
}

func TestRedemptionListAndStatistics(t *testing.T) {
	db := setupTestDB(t)
	svc := newRedemptionService(db)
	user := createFundedUser(t, db, 0)
	insertCode(t, db, "LISTCODE01", 10, time.Now().Add(time.Hour))
	insertCode(t, db, "LISTCODE02", 20, time.Now().Add(time.Hour))
	insertCode(t, db, "LISTCODE03", 30, time.Now().Add(-time.Hour))
	_, err := svc.Redeem(ctxBg, user.ID, "LISTCODE02")
	require.NoError(t, err)
	_, err = svc.ExpireOverdue(ctxBg)
	require.NoError(t, err)

	list, err := svc.GetRedemptions(ctxBg, &RedemptionQuery{Status: "redeemed"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), list.Total)
	require.Len(t, list.Items, 1)
	assert.Equal(t, "LIST**DE02", list.Items[0].Code, "列表中的兑换码应部分隐藏")
	assert.NotEmpty(t, list.Items[0].RedeemerEmail)

	all, err := svc.GetRedemptions(ctxBg, &RedemptionQuery{PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), all.Total)
	assert.Equal(t, 2, all.TotalPages)
	assert.Len(t, all.Items, 2)

	_, err = svc.GetRedemptions(ctxBg, &RedemptionQuery{StartDate: "2024/01/01"})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	stats, err := svc.GetRedemptionStatistics(ctxBg)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalCount)
	assert.Equal(t, int64(1), stats.ActiveCount)
	assert.Equal(t, int64(1), stats.RedeemedCount)
	assert.Equal(t, int64(1), stats.ExpiredCount)
	assert.Equal(t, int64(60), stats.TotalCredits)
	assert.Equal(t, int64(20), stats.RedeemedCredits)
	assert.Equal(t, int64(1), stats.TodayRedeemed)
	assert.InDelta(t, 33.3, stats.UsageRate, 0.1)
}
