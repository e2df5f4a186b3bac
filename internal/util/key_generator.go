package util

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DefaultRedemptionLength = 16
	MinRedemptionLength     = 6
	MaxRedemptionLength     = 50
	TimestampLength         = 6
	CounterLength           = 2
	MaxPrefixLength         = 20

	InvitationCodeLength = 8
	ReferralCodeLength   = 8

	// CodeAlphabet 邀请码/推荐码字符集（去除易混淆的 O/0/I/1）
	CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	randomChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var (
	redemptionCodeRe = regexp.MustCompile(`^[A-Za-z0-9_-]{6,50}$`)
	prefixRe         = regexp.MustCompile(`^[A-Za-z0-9_-]*$`)
)

// KeyGenerator 兑换码生成器
// 结构: [prefix][random_part][timestamp_base36][counter_base36]
type KeyGenerator struct {
	counter int64
	mu      sync.Mutex
}

var defaultKeyGen = &KeyGenerator{}

// GenerateRedemptionBatch 批量生成兑换码
func GenerateRedemptionBatch(count int, prefix string, length int) ([]string, error) {
	return defaultKeyGen.GenerateBatch(count, prefix, length)
}

// Generate 生成单个兑换码
func (g *KeyGenerator) Generate(prefix string, length int) (string, error) {
	if length == 0 {
		length = DefaultRedemptionLength
	}
	if length < MinRedemptionLength || length > MaxRedemptionLength {
		return "", fmt.Errorf("length must be between %d and %d", MinRedemptionLength, MaxRedemptionLength)
	}
	if len(prefix) > MaxPrefixLength || !prefixRe.MatchString(prefix) {
		return "", fmt.Errorf("prefix must be at most %d characters of [A-Za-z0-9_-]", MaxPrefixLength)
	}

	randomLength := length - len(prefix) - TimestampLength - CounterLength
	if randomLength < 4 {
		randomLength = 4
	}
	randomPart, err := RandomString(randomChars, randomLength)
	if err != nil {
		return "", err
	}

	// 毫秒时间戳 base36
	timestampB36 := fixedWidth(strconv.FormatInt(time.Now().UnixMilli(), 36), TimestampLength)

	g.mu.Lock()
	g.counter = (g.counter + 1) % 1296 // 36^2
	counterVal := g.counter
	g.mu.Unlock()
	counterB36 := fixedWidth(strconv.FormatInt(counterVal, 36), CounterLength)

	key := prefix + randomPart + strings.ToUpper(timestampB36+counterB36)
	if len(key) > length {
		key = key[:length]
	}
	return key, nil
}

// GenerateBatch 批量生成不重复的兑换码
func (g *KeyGenerator) GenerateBatch(count int, prefix string, length int) ([]string, error) {
	if count < 1 || count > 1000 {
		return nil, fmt.Errorf("count must be between 1 and 1000")
	}

	keySet := make(map[string]struct{}, count)
	keys := make([]string, 0, count)
	maxAttempts := count * 3

	for len(keys) < count && maxAttempts > 0 {
		key, err := g.Generate(prefix, length)
		if err != nil {
			return nil, err
		}
		if _, exists := keySet[key]; !exists {
			keySet[key] = struct{}{}
			keys = append(keys, key)
		}
		maxAttempts--
	}

	if len(keys) < count {
		return nil, fmt.Errorf("failed to generate %d unique keys", count)
	}
	return keys, nil
}

// ValidRedemptionCode 兑换码格式校验
func ValidRedemptionCode(code string) bool {
	return redemptionCodeRe.MatchString(code)
}

// GenerateInvitationCode 生成 8 位邀请码
func GenerateInvitationCode() (string, error) {
	return RandomString(CodeAlphabet, InvitationCodeLength)
}

// GenerateReferralCode 生成 8 位推荐码
func GenerateReferralCode() (string, error) {
	return RandomString(CodeAlphabet, ReferralCodeLength)
}

// ValidInvitationCode 邀请码格式校验
func ValidInvitationCode(code string) bool {
	if len(code) != InvitationCodeLength {
		return false
	}
	for _, r := range code {
		if !strings.ContainsRune(CodeAlphabet, r) {
			return false
		}
	}
	return true
}

// GenerateNumericCode 生成数字验证码
func GenerateNumericCode(length int) (string, error) {
	return RandomString("0123456789", length)
}

// GenerateToken 生成 n 字节随机数的十六进制令牌
func GenerateToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// RandomString 从字符集中均匀随机取 n 个字符
func RandomString(alphabet string, n int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	var sb strings.Builder
	sb.Grow(n)
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate random index: %w", err)
		}
		sb.WriteByte(alphabet[idx.Int64()])
	}
	return sb.String(), nil
}

// MaskKey 部分隐藏，仅保留首尾
func MaskKey(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}

// MaskEmail 隐藏邮箱用户名中间部分
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return email
	}
	name := email[:at]
	if len(name) <= 2 {
		return name[:1] + "***" + email[at:]
	}
	return name[:1] + "***" + name[len(name)-1:] + email[at:]
}

func fixedWidth(s string, width int) string {
	if len(s) > width {
		return s[len(s)-width:]
	}
	return strings.Repeat("0", width-len(s)) + s
}
