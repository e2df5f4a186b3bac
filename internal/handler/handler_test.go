package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ketches/mindmap-backend/internal/ai"
	"github.com/ketches/mindmap-backend/internal/config"
	"github.com/ketches/mindmap-backend/internal/database"
	"github.com/ketches/mindmap-backend/internal/models"
	"github.com/ketches/mindmap-backend/internal/service"
	"github.com/ketches/mindmap-backend/pkg/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const goodMap = "# 会议纪要\n## 决议\n- 下周发布\n## 待办\n- 补充测试"

func init() {
	gin.SetMode(gin.TestMode)
}

// stubLLM 固定返回的模型替身
type stubLLM struct {
	out   string
	calls int32
}

func (s *stubLLM) Complete(ctx context.Context, prompt ai.Prompt) (string, error) {
	atomic.AddInt32(&s.calls, 1)
	return s.out, nil
}

type testServer struct {
	t      *testing.T
	db     *gorm.DB
	router *gin.Engine
	svc    *service.Services
	llm    *stubLLM
	seq    int
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := database.OpenTestDB()
	require.NoError(t, err)
	database.SetTestDB(db)
	t.Cleanup(func() {
		database.ClearTestDB()
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	jwt.SetSecret("handler-test-secret")
	cfg := config.Default()
	llm := &stubLLM{out: goodMap}
	svc := service.NewServices(db, cfg, service.Options{Completer: llm})
	return &testServer{t: t, db: db, router: NewRouter(cfg, svc), svc: svc, llm: llm}
}

func (s *testServer) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) upload(path, token, filename, content string) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(s.t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(s.t, err)
	require.NoError(s.t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

// login 注册并登录，返回 token 与用户 ID
func (s *testServer) login(invitationCode string) (string, uint) {
	s.t.Helper()
	s.seq++
	email := fmt.Sprintf("member%d@example.com", s.seq)

	w := s.do(http.MethodPost, "/api/auth/register", "", gin.H{
		"email":           email,
		"password":        "password123",
		"invitation_code": invitationCode,
	})
	require.Equal(s.t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(http.MethodPost, "/api/auth/login", "", gin.H{"email": email, "password": "password123"})
	require.Equal(s.t, http.StatusOK, w.Code, w.Body.String())
	body := decode(s.t, w)
	user := body["user"].(map[string]interface{})
	return body["access_token"].(string), uint(user["id"].(float64))
}

// member 由管理员邀请的普通用户
func (s *testServer) member(adminToken string) (string, uint) {
	s.t.Helper()
	w := s.do(http.MethodPost, "/api/invitations/create", adminToken, gin.H{"count": 1})
	require.Equal(s.t, http.StatusOK, w.Code, w.Body.String())
	codes := decode(s.t, w)["codes"].([]interface{})
	code := codes[0].(map[string]interface{})["code"].(string)
	return s.login(code)
}

func TestRegisterAndLogin(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPost, "/api/auth/register", "", gin.H{
		"email":           "owner@example.com",
		"password":        "password123",
		"invitation_code": "ADMIN_INIT",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "owner@example.com", body["email"])
	assert.Equal(t, true, body["daily_reward_granted"])

	w = s.do(http.MethodPost, "/api/auth/login", "", gin.H{"email": "owner@example.com", "password": "bad-password"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_CREDENTIALS", decode(t, w)["code"])

	w = s.do(http.MethodPost, "/api/auth/login", "", gin.H{"email": "owner@example.com", "password": "password123"})
	require.Equal(t, http.StatusOK, w.Code)
	token := decode(t, w)["access_token"].(string)

	w = s.do(http.MethodGet, "/api/auth/me", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	me := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, true, me["is_superuser"])
}

func TestRegisterValidation(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPost, "/api/auth/register", "", gin.H{
		"email":           "not-an-email",
		"password":        "short",
		"invitation_code": "bad!",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "VALIDATION_ERROR", body["code"])
	fields := body["details"].(map[string]interface{})["fields"].(map[string]interface{})
	assert.Contains(t, fields, "Email")
	assert.Contains(t, fields, "Password")
	assert.Contains(t, fields, "InvitationCode")

	w = s.do(http.MethodPost, "/api/auth/register", "", gin.H{
		"email":           "someone@example.com",
		"password":        "password123",
		"invitation_code": "ABCDEFGH",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "CODE_NOT_FOUND", decode(t, w)["code"])
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodGet, "/api/credits/balance", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHENTICATED", decode(t, w)["code"])

	w = s.do(http.MethodGet, "/api/credits/balance", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	adminToken, _ := s.login("ADMIN_INIT")
	memberToken, _ := s.member(adminToken)

	w = s.do(http.MethodGet, "/api/admin/codes", memberToken, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(http.MethodGet, "/api/admin/codes", adminToken, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodPost, "/api/invitations/create", memberToken, gin.H{"count": 1})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestProcessText(t *testing.T) {
	s := newTestServer(t)
	adminToken, _ := s.login("ADMIN_INIT")
	token, uid := s.member(adminToken)

	text := strings.Repeat("这是一段会议记录。", 30)
	req := httptest.NewRequest(http.MethodPost, "/api/process-text", strings.NewReader(fmt.Sprintf(`{"text":%q}`, text)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(IdempotencyHeader, "req-1")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decode(t, w)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, "会议纪要", data["title"])
	cost := body["cost_info"].(map[string]interface{})
	assert.Equal(t, float64(3), cost["credits_consumed"])
	assert.Equal(t, float64(107), cost["remaining_credits"])
	assert.Equal(t, float64(270), cost["text_length"])

	// 相同幂等键重放不重复扣费
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/process-text", strings.NewReader(fmt.Sprintf(`{"text":%q}`, text)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(IdempotencyHeader, "req-1")
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	bal, err := s.svc.Credits.Balance(context.Background(), uid)
	require.NoError(t, err)
	assert.Equal(t, int64(107), bal)
	assert.Equal(t, "会议纪要", decode(t, w)["data"].(map[string]interface{})["title"])

	// 相同幂等键换内容被拒绝
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/process-text", strings.NewReader(`{"text":"另一段完全不同的内容"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(IdempotencyHeader, "req-1")
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	bal, err = s.svc.Credits.Balance(context.Background(), uid)
	require.NoError(t, err)
	assert.Equal(t, int64(107), bal)

	w = s.do(http.MethodPost, "/api/process-text", token, gin.H{"text": "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "EMPTY_CONTENT", decode(t, w)["code"])

	w = s.do(http.MethodPost, "/api/process-text", token, gin.H{"text": "hello", "format_type": "poem"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProcessTextInsufficientCredits(t *testing.T) {
	s := newTestServer(t)
	adminToken, _ := s.login("ADMIN_INIT")
	token, uid := s.member(adminToken)
	require.NoError(t, s.db.Model(&models.CreditBalance{}).Where("user_id = ?", uid).Update("balance", 2).Error)

	w := s.do(http.MethodPost, "/api/process-text", token, gin.H{"text": strings.Repeat("字", 500)})
	require.Equal(t, http.StatusPaymentRequired, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "INSUFFICIENT_CREDITS", body["code"])
	details := body["details"].(map[string]interface{})
	assert.Equal(t, float64(5), details["required_credits"])
	assert.Equal(t, float64(2), details["current_balance"])
	assert.Equal(t, float64(500), details["text_length"])
	assert.Equal(t, int32(0), atomic.LoadInt32(&s.llm.calls), "积分不足时不应调用模型")
}

func TestEstimateCreditCost(t *testing.T) {
	s := newTestServer(t)
	token, _ := s.login("ADMIN_INIT")

	w := s.do(http.MethodPost, "/api/estimate-credit-cost", token, gin.H{"text": ""})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(0), body["text_length"])
	assert.Equal(t, float64(0), body["estimated_cost"])
	assert.Equal(t, true, body["sufficient_credits"])
	assert.NotEmpty(t, body["pricing_rule"])

	w = s.do(http.MethodPost, "/api/estimate-credit-cost", token, gin.H{"text": strings.Repeat("a", 250)})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(3), decode(t, w)["estimated_cost"])
}

func TestUploadTwoPhase(t *testing.T) {
	s := newTestServer(t)
	adminToken, _ := s.login("ADMIN_INIT")
	token, uid := s.member(adminToken)

	w := s.upload("/api/upload/analyze", token, "notes.md", "# 标题\n\n- 第一点\n- 第二点")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	fileToken := body["file_token"].(string)
	require.NotEmpty(t, fileToken)
	analysis := body["analysis"].(map[string]interface{})
	assert.Equal(t, float64(1), analysis["estimated_cost"])
	assert.Equal(t, true, analysis["sufficient_credits"])

	bal, err := s.svc.Credits.Balance(context.Background(), uid)
	require.NoError(t, err)
	assert.Equal(t, int64(110), bal, "分析阶段不扣费")

	w = s.do(http.MethodPost, "/api/upload", token, gin.H{"file_token": fileToken})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	cost := decode(t, w)["cost_info"].(map[string]interface{})
	assert.Equal(t, float64(1), cost["credits_consumed"])
	assert.Equal(t, float64(109), cost["remaining_credits"])

	w = s.do(http.MethodPost, "/api/upload", token, gin.H{"file_token": fileToken})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "TOKEN_NOT_FOUND", decode(t, w)["code"])

	w = s.upload("/api/upload/analyze", token, "virus.exe", "MZ")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "UNSUPPORTED_FILE_TYPE", decode(t, w)["code"])

	w = s.upload("/api/upload", token, "direct.txt", "直接上传的文本内容")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(http.MethodPost, "/api/upload/estimate", token, gin.H{"filename": "big.pdf", "file_size": 2 << 20})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Greater(t, decode(t, w)["estimated_cost"].(float64), float64(0))
}

func TestCreditsEndpoints(t *testing.T) {
	s := newTestServer(t)
	adminToken, _ := s.login("ADMIN_INIT")
	token, uid := s.member(adminToken)

	w := s.do(http.MethodGet, "/api/credits/balance", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(110), body["balance"])
	assert.Equal(t, false, body["is_admin"])
	assert.Equal(t, float64(uid), body["user_id"])

	w = s.do(http.MethodGet, "/api/credits/history?limit=1", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Equal(t, float64(2), body["total"])
	assert.Len(t, body["items"], 1)
	assert.Equal(t, true, body["has_more"])

	w = s.do(http.MethodGet, "/api/credits/statistics", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(110), decode(t, w)["total_earned"])

	w = s.do(http.MethodPost, "/api/admin/credits/grant", adminToken, gin.H{"user_id": uid, "amount": 40})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(150), decode(t, w)["data"].(map[string]interface{})["balance"])

	w = s.do(http.MethodPost, "/api/admin/credits/grant", adminToken, gin.H{"user_id": 9999, "amount": 40})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodGet, fmt.Sprintf("/api/admin/users/%d/credits", uid), adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	rec := decode(t, w)["data"].(map[string]interface{})["reconciliation"].(map[string]interface{})
	assert.Equal(t, true, rec["consistent"])
}

func TestRedeemFlow(t *testing.T) {
	s := newTestServer(t)
	adminToken, _ := s.login("ADMIN_INIT")
	token, _ := s.member(adminToken)

	w := s.do(http.MethodPost, "/api/admin/codes/generate", adminToken, gin.H{"count": 2, "credits_amount": 50, "prefix": "GIFT"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	codes := decode(t, w)["data"].(map[string]interface{})["codes"].([]interface{})
	require.Len(t, codes, 2)
	code := codes[0].(string)

	w = s.do(http.MethodPost, "/api/codes/redeem", token, gin.H{"code": code})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, float64(50), body["credits_gained"])
	assert.Equal(t, float64(160), body["current_balance"])

	w = s.do(http.MethodPost, "/api/codes/redeem", token, gin.H{"code": code})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "CODE_ALREADY_USED", decode(t, w)["code"])

	w = s.do(http.MethodPost, "/api/codes/redeem", token, gin.H{"code": "ab"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = s.do(http.MethodGet, "/api/codes/history", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["total"])

	w = s.do(http.MethodGet, "/api/admin/codes/statistics", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, float64(2), stats["total_count"])
	assert.Equal(t, float64(1), stats["redeemed_count"])
}

func TestInvitationAndReferralEndpoints(t *testing.T) {
	s := newTestServer(t)
	adminToken, _ := s.login("ADMIN_INIT")

	w := s.do(http.MethodPost, "/api/invitations/create", adminToken, gin.H{"count": 2, "expires_in_days": 7})
	require.Equal(t, http.StatusOK, w.Code)
	codes := decode(t, w)["codes"].([]interface{})
	first := codes[0].(map[string]interface{})

	w = s.do(http.MethodPost, "/api/invitations/validate", "", gin.H{"code": first["code"]})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["valid"])

	w = s.do(http.MethodGet, "/api/invitations/stats", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode(t, w)["total"])

	w = s.do(http.MethodDelete, fmt.Sprintf("/api/invitations/%v", first["id"]), adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = s.do(http.MethodPost, "/api/invitations/validate", "", gin.H{"code": first["code"]})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodGet, "/api/invitations/list", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["total"])

	w = s.do(http.MethodGet, "/api/referrals/me/link", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode(t, w)["link"], "/register?ref=")

	w = s.do(http.MethodGet, "/api/referrals/me/stats", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = s.do(http.MethodGet, "/api/referrals/me/history", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode(t, w)["total"])
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "connected", body["database"])
	assert.Equal(t, "disabled", body["redis"])

	w = s.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}
