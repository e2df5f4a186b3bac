package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/ketches/mindmap-backend/internal/config"
	"github.com/ketches/mindmap-backend/internal/database"
	"github.com/ketches/mindmap-backend/internal/models"
	"github.com/ketches/mindmap-backend/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTasksAndJobs(t *testing.T) {
	db, err := database.OpenTestDB()
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	cfg := config.Default()
	svc := service.NewServices(db, cfg, service.Options{})

	m := NewManager()
	InitTasks(m, svc, cfg)
	names := make([]string, 0)
	for _, s := range m.GetStatus() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{TaskLedgerReconcile, TaskLoginTokenPrune, TaskRedemptionExpire, TaskUploadCacheSweep}, names)

	ctx := context.Background()
	require.NoError(t, db.Create(&models.RedemptionCode{
		Code:          "OVERDUE-001",
		CreditsAmount: 10,
		Status:        models.RedemptionActive,
		ExpiresAt:     time.Now().Add(-time.Hour).UTC(),
		CreatedAt:     time.Now().UTC(),
	}).Error)

	require.NoError(t, RedemptionExpireTask(svc.Redemptions)(ctx))
	var rc models.RedemptionCode
	require.NoError(t, db.Where("code = ?", "OVERDUE-001").First(&rc).Error)
	assert.Equal(t, models.RedemptionExpired, rc.Status)

	require.NoError(t, UploadCacheSweepTask(svc.Uploads)(ctx))
	require.NoError(t, LoginTokenPruneTask(svc.Auth)(ctx))
	require.NoError(t, LedgerReconcileTask(svc.Credits)(ctx))
}
