package service

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"
)

const (
	TextCharsPerCredit = 100
	FileCharsPerCredit = 500
	HeuristicMinCost   = 10
	CreditsPerMB       = 20

	defaultMemoSize = 1024
)

// PricingRule 计费规则说明
const PricingRule = "文本按每 100 字 1 积分计费，文件按每 500 字 1 积分计费，不足部分向上取整，最低 1 积分"

// CostEstimator 积分消耗估算（纯函数 + 按输入哈希记忆）
type CostEstimator struct {
	mu     sync.Mutex
	memo   map[string]int64
	order  []string
	max    int
	hits   uint64
	misses uint64
}

// NewCostEstimator 创建估算器，memoSize<=0 时使用默认容量
func NewCostEstimator(memoSize int) *CostEstimator {
	if memoSize <= 0 {
		memoSize = defaultMemoSize
	}
	return &CostEstimator{
		memo: make(map[string]int64, memoSize),
		max:  memoSize,
	}
}

// TextCost 直接输入文本的消耗: max(1, ceil(len/100))，空文本为 0
func (e *CostEstimator) TextCost(text string) int64 {
	return e.memoized("text", text, TextCharsPerCredit)
}

// FileCost 文件解析文本的消耗: max(1, ceil(len/500))，空文本为 0
func (e *CostEstimator) FileCost(text string) int64 {
	return e.memoized("file", text, FileCharsPerCredit)
}

// CharCount 去除首尾空白后的字符数
func CharCount(text string) int {
	return utf8.RuneCountInString(strings.TrimSpace(text))
}

// costFor 按每 per 字 1 积分向上取整
func costFor(text string, per int) int64 {
	n := CharCount(text)
	if n == 0 {
		return 0
	}
	c := int64((n + per - 1) / per)
	if c < 1 {
		c = 1
	}
	return c
}

func (e *CostEstimator) memoized(kind, text string, per int) int64 {
	sum := sha256.Sum256([]byte(text))
	key := kind + ":" + hex.EncodeToString(sum[:])

	e.mu.Lock()
	if v, ok := e.memo[key]; ok {
		e.hits++
		e.mu.Unlock()
		return v
	}
	e.misses++
	e.mu.Unlock()

	v := costFor(text, per)

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.memo[key]; !ok {
		if len(e.order) >= e.max {
			oldest := e.order[0]
			e.order = e.order[1:]
			delete(e.memo, oldest)
		}
		e.memo[key] = v
		e.order = append(e.order, key)
	}
	return v
}

// Stats 记忆命中/未命中次数
func (e *CostEstimator) Stats() (hits, misses uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hits, e.misses
}

// ComplexityMultiplier 文件复杂度系数: PDF×2，Word×1.5，其他×1
func ComplexityMultiplier(filename string) float64 {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return 2
	case ".docx", ".doc":
		return 1.5
	default:
		return 1
	}
}

// EstimateBySize 解析前按文件大小预估: max(10, ceil(MB × 20 × 系数))
func EstimateBySize(sizeBytes int64, filename string) int64 {
	if sizeBytes < 0 {
		sizeBytes = 0
	}
	mb := float64(sizeBytes) / (1024 * 1024)
	cost := int64(math.Ceil(mb * CreditsPerMB * ComplexityMultiplier(filename)))
	if cost < HeuristicMinCost {
		cost = HeuristicMinCost
	}
	return cost
}
