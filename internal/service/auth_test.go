package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ketches/mindmap-backend/internal/apperr"
	"github.com/ketches/mindmap-backend/internal/config"
	"github.com/ketches/mindmap-backend/internal/models"
	"github.com/ketches/mindmap-backend/pkg/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// captureMailer 记录最近一次投递
type captureMailer struct {
	mu    sync.Mutex
	email string
	code  string
	link  string
}

func (m *captureMailer) SendLoginCode(_ context.Context, email, code, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.email, m.code, m.link = email, code, link
	return nil
}

func (m *captureMailer) magicToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := strings.Index(m.link, "token=")
	if i < 0 {
		return ""
	}
	return m.link[i+len("token="):]
}

func newTestServices(t *testing.T, db *gorm.DB, mailer Mailer) *Services {
	t.Helper()
	jwt.SetSecret("test-secret")
	cfg := config.Default()
	return NewServices(db, cfg, Options{Mailer: mailer})
}

func register(t *testing.T, s *Services, email, code string) *RegisterResult {
	t.Helper()
	res, err := s.Auth.Register(ctxBg, &RegisterRequest{Email: email, Password: "password123", InvitationCode: code}, "")
	require.NoError(t, err)
	return res
}

func txnCount(t *testing.T, db *gorm.DB, userID uint, kind models.TransactionKind) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&models.CreditTransaction{}).Where("user_id = ? AND kind = ?", userID, kind).Count(&n).Error)
	return n
}

func TestRegisterWithAdminInit(t *testing.T) {
	db := setupTestDB(t)
	s := newTestServices(t, db, nil)

	res := register(t, s, "Admin@Example.com", "ADMIN_INIT")
	assert.True(t, res.Success)
	assert.Equal(t, "admin@example.com", res.Email)
	assert.True(t, res.DailyRewardGranted)

	admin, err := s.Auth.CurrentUser(ctxBg, res.UserID)
	require.NoError(t, err)
	assert.True(t, admin.IsSuperuser)
	assert.Len(t, admin.ReferralCode, 8)

	bal, err := s.Credits.Balance(ctxBg, res.UserID)
	require.NoError(t, err)
	assert.Equal(t, int64(110), bal, "初始积分 100 + 每日奖励 10")
	assert.Equal(t, int64(1), txnCount(t, db, res.UserID, models.TxnInitialGrant))

	_, err = s.Auth.Register(ctxBg, &RegisterRequest{Email: "second@example.com", Password: "password123", InvitationCode: "ADMIN_INIT"}, "")
	assert.ErrorIs(t, err, apperr.ErrCodeAlreadyUsed)
}

func TestAdminInitSingleWinner(t *testing.T) {
	db := setupTestDB(t)
	s := newTestServices(t, db, nil)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Auth.Register(ctxBg, &RegisterRequest{
				Email:          fmt.Sprintf("boot%d@example.com", i),
				Password:       "password123",
				InvitationCode: "ADMIN_INIT",
			}, "")
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, apperr.ErrCodeAlreadyUsed)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	var admins int64
	require.NoError(t, db.Model(&models.User{}).Where("is_superuser = ?", true).Count(&admins).Error)
	assert.Equal(t, int64(1), admins)

	// 超级管理员计数之外，初始化标记本身也只能写入一次
	err := db.Transaction(func(tx *gorm.DB) error {
		return s.Invitations.claimAdminInitTx(tx, 999)
	})
	assert.ErrorIs(t, err, apperr.ErrCodeAlreadyUsed)
}

func TestRegisterWithInvitation(t *testing.T) {
	db := setupTestDB(t)
	s := newTestServices(t, db, nil)
	admin := createUser(t, db, true)

	codes, err := s.Invitations.Create(ctxBg, admin.ID, 2, 0)
	require.NoError(t, err)

	res := register(t, s, "alice@example.com", codes[0].Code)

	var inv models.InvitationCode
	require.NoError(t, db.Where("id = ?", codes[0].ID).First(&inv).Error)
	require.NotNil(t, inv.UsedBy)
	assert.Equal(t, res.UserID, *inv.UsedBy)

	_, err = s.Auth.Register(ctxBg, &RegisterRequest{Email: "bob@example.com", Password: "password123", InvitationCode: codes[0].Code}, "")
	assert.ErrorIs(t, err, apperr.ErrCodeAlreadyUsed)

	_, err = s.Auth.Register(ctxBg, &RegisterRequest{Email: "ALICE@example.com", Password: "password123", InvitationCode: codes[1].Code}, "")
	assert.ErrorIs(t, err, apperr.ErrEmailTaken)

	var unused models.InvitationCode
	require.NoError(t, db.Where("id = ?", codes[1].ID).First(&unused).Error)
	assert.Nil(t, unused.UsedBy, "注册失败时邀请码不应被消耗")

	_, err = s.Auth.Register(ctxBg, &RegisterRequest{Email: "carol@example.com", Password: "password123", InvitationCode: "NOPE2345"}, "")
	assert.ErrorIs(t, err, apperr.ErrCodeNotFound)
}

func TestLogin(t *testing.T) {
	db := setupTestDB(t)
	s := newTestServices(t, db, nil)
	res := register(t, s, "login@example.com", "ADMIN_INIT")

	out, err := s.Auth.Login(ctxBg, "LOGIN@example.com", "password123")
	require.NoError(t, err)
	assert.Equal(t, "bearer", out.TokenType)
	assert.False(t, out.DailyRewardGranted, "注册当天已发放")
	assert.Equal(t, res.UserID, out.User.ID)

	claims, err := jwt.ParseToken(out.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, res.UserID, claims.UserID)
	assert.True(t, claims.IsAdmin)

	_, err = s.Auth.Login(ctxBg, "login@example.com", "wrong-password")
	assert.ErrorIs(t, err, apperr.ErrInvalidCredentials)
	_, err = s.Auth.Login(ctxBg, "nobody@example.com", "password123")
	assert.ErrorIs(t, err, apperr.ErrInvalidCredentials)

	require.NoError(t, db.Model(&models.User{}).Where("id = ?", res.UserID).Update("is_active", false).Error)
	_, err = s.Auth.Login(ctxBg, "login@example.com", "password123")
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestConcurrentLoginDailyReward(t *testing.T) {
	db := setupTestDB(t)
	s := newTestServices(t, db, nil)
	user := createFundedUser(t, db, 100)
	hash, err := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.User{}).Where("id = ?", user.ID).Update("password_hash", string(hash)).Error)

	results := make([]*LoginResult, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := s.Auth.Login(ctxBg, user.Email, "password123")
			assert.NoError(t, err)
			results[i] = out
		}(i)
	}
	wg.Wait()

	granted := 0
	for _, r := range results {
		require.NotNil(t, r)
		if r.DailyRewardGranted {
			granted++
		}
	}
	assert.Equal(t, 1, granted)
	assert.Equal(t, int64(1), txnCount(t, db, user.ID, models.TxnDailyReward))

	bal, err := s.Credits.Balance(ctxBg, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(110), bal)
}

func TestEmailCodeLogin(t *testing.T) {
	db := setupTestDB(t)
	mailer := &captureMailer{}
	s := newTestServices(t, db, mailer)
	res := register(t, s, "mail@example.com", "ADMIN_INIT")

	sent, err := s.Auth.RequestEmailCode(ctxBg, "mail@example.com", "", "")
	require.NoError(t, err)
	assert.True(t, sent.Sent)
	assert.Len(t, mailer.code, 6)

	var token models.LoginToken
	require.NoError(t, db.Where("email = ?", "mail@example.com").First(&token).Error)
	assert.NotEqual(t, mailer.code, token.CodeHash, "验证码不得明文存储")

	_, err = s.Auth.VerifyEmailCode(ctxBg, "mail@example.com", "000000x", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidCredentials)

	out, err := s.Auth.VerifyEmailCode(ctxBg, "mail@example.com", mailer.code, "")
	require.NoError(t, err)
	assert.Equal(t, res.UserID, out.User.ID)
	assert.True(t, out.User.IsVerified)

	_, err = s.Auth.VerifyEmailCode(ctxBg, "mail@example.com", mailer.code, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidCredentials, "验证码只能使用一次")
}

func TestEmailCodeSignup(t *testing.T) {
	db := setupTestDB(t)
	mailer := &captureMailer{}
	s := newTestServices(t, db, mailer)
	admin := createUser(t, db, true)
	codes, err := s.Invitations.Create(ctxBg, admin.ID, 1, 0)
	require.NoError(t, err)

	_, err = s.Auth.RequestEmailCode(ctxBg, "new@example.com", "", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument, "未注册邮箱需要邀请码")

	_, err = s.Auth.RequestEmailCode(ctxBg, "new@example.com", codes[0].Code, admin.ReferralCode)
	require.NoError(t, err)
	magic := mailer.magicToken()
	require.NotEmpty(t, magic)

	out, err := s.Auth.VerifyEmailCode(ctxBg, "new@example.com", "", magic)
	require.NoError(t, err)
	assert.True(t, out.User.IsVerified)
	assert.False(t, out.User.IsSuperuser)

	var user models.User
	require.NoError(t, db.Where("email = ?", "new@example.com").First(&user).Error)
	require.NotNil(t, user.InvitedBy)
	assert.Equal(t, admin.ID, *user.InvitedBy)

	_, err = s.Auth.VerifyEmailCode(ctxBg, "new@example.com", "", magic)
	assert.ErrorIs(t, err, apperr.ErrInvalidCredentials)
}

func TestEmailCodeSignupFailureKeepsToken(t *testing.T) {
	db := setupTestDB(t)
	mailer := &captureMailer{}
	s := newTestServices(t, db, mailer)
	admin := createUser(t, db, true)
	codes, err := s.Invitations.Create(ctxBg, admin.ID, 1, 0)
	require.NoError(t, err)

	_, err = s.Auth.RequestEmailCode(ctxBg, "late@example.com", codes[0].Code, "")
	require.NoError(t, err)
	register(t, s, "early@example.com", codes[0].Code)

	_, err = s.Auth.VerifyEmailCode(ctxBg, "late@example.com", mailer.code, "")
	assert.ErrorIs(t, err, apperr.ErrCodeAlreadyUsed)

	var token models.LoginToken
	require.NoError(t, db.Where("email = ?", "late@example.com").First(&token).Error)
	assert.Nil(t, token.UsedAt, "注册失败时验证码不应被消耗")

	var n int64
	require.NoError(t, db.Model(&models.User{}).Where("email = ?", "late@example.com").Count(&n).Error)
	assert.Equal(t, int64(0), n)
}

func TestPruneLoginTokens(t *testing.T) {
	db := setupTestDB(t)
	s := newTestServices(t, db, &captureMailer{})
	register(t, s, "prune@example.com", "ADMIN_INIT")

	_, err := s.Auth.RequestEmailCode(ctxBg, "prune@example.com", "", "")
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.LoginToken{}).Where("1 = 1").Update("expires_at", "2000-01-01 00:00:00+00:00").Error)

	n, err := s.Auth.PruneLoginTokens(ctxBg)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// 已使用但未过期的令牌保留
	_, err = s.Auth.RequestEmailCode(ctxBg, "prune@example.com", "", "")
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.LoginToken{}).Where("1 = 1").Update("used_at", time.Now().UTC()).Error)
	n, err = s.Auth.PruneLoginTokens(ctxBg)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestRecaptchaVerifier(t *testing.T) {
	score := 0.9
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "secret", r.PostForm.Get("secret"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "score": score})
	}))
	defer srv.Close()

	v := NewRecaptchaVerifier(config.RecaptchaConfig{Secret: "secret", MinScore: 0.5, VerifyURL: srv.URL})
	assert.NoError(t, v.Verify(ctxBg, "token", "127.0.0.1"))

	score = 0.1
	assert.ErrorIs(t, v.Verify(ctxBg, "token", ""), apperr.ErrForbidden)
	assert.ErrorIs(t, v.Verify(ctxBg, "", ""), apperr.ErrForbidden)

	disabled := NewRecaptchaVerifier(config.RecaptchaConfig{})
	assert.NoError(t, disabled.Verify(ctxBg, "", ""))
}
