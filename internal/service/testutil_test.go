package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/ketches/mindmap-backend/internal/database"
	"github.com/ketches/mindmap-backend/internal/models"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var (
	userSeq int64
	ctxBg   = context.Background()
)

// setupTestDB 创建测试用的内存数据库
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.OpenTestDB()
	require.NoError(t, err, "无法创建测试数据库")
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

// createUser 插入测试用户
func createUser(t *testing.T, db *gorm.DB, superuser bool) *models.User {
	t.Helper()
	n := atomic.AddInt64(&userSeq, 1)
	u := &models.User{
		Email:         fmt.Sprintf("user%d@example.com", n),
		IsActive:      true,
		IsSuperuser:   superuser,
		ReferralCode:  fmt.Sprintf("REF%05d", n),
		ReferralLimit: 10,
	}
	require.NoError(t, db.Create(u).Error)
	return u
}

// createFundedUser 插入用户并初始化积分
func createFundedUser(t *testing.T, db *gorm.DB, balance int64) *models.User {
	t.Helper()
	u := createUser(t, db, false)
	_, err := NewCreditService(db).GrantInitial(ctxBg, u.ID, balance, "测试初始积分")
	require.NoError(t, err)
	return u
}
