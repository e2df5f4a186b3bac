package service

import (
	"sync"
	"time"

	"github.com/ketches/mindmap-backend/internal/apperr"
	"github.com/ketches/mindmap-backend/internal/metrics"
	"github.com/ketches/mindmap-backend/internal/util"
)

// FileAnalysis 文件预分析结果（仅内存）
type FileAnalysis struct {
	Token              string
	OwnerID            uint
	Filename           string
	FileKind           string
	Text               string
	Cost               int64
	PreprocessedPrompt string
	CreatedAt          time.Time
	ExpiresAt          time.Time
}

// HasPreprocessed 是否已预生成提示词
func (a *FileAnalysis) HasPreprocessed() bool {
	return a.PreprocessedPrompt != ""
}

// UploadCache 文件分析缓存：按令牌存储、按所有者隔离、TTL 过期、超出容量淘汰最旧条目
type UploadCache struct {
	mu         sync.Mutex
	entries    map[string]*FileAnalysis
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

// NewUploadCache 创建文件分析缓存
func NewUploadCache(ttl time.Duration, maxEntries int) *UploadCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &UploadCache{
		entries:    make(map[string]*FileAnalysis),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// TTL 缓存有效期
func (c *UploadCache) TTL() time.Duration {
	return c.ttl
}

// Put 存入分析结果并分配 128 位随机令牌
func (c *UploadCache) Put(entry *FileAnalysis) (*FileAnalysis, error) {
	token, err := util.GenerateToken(16)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	stored := *entry
	stored.Token = token
	stored.CreatedAt = now
	stored.ExpiresAt = now.Add(c.ttl)

	for len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[token] = &stored
	metrics.UploadCacheEntries.Set(float64(len(c.entries)))

	cp := stored
	return &cp, nil
}

// Get 按令牌和所有者获取；不存在、已过期、非本人均返回 TokenNotFound
func (c *UploadCache) Get(token string, ownerID uint) (*FileAnalysis, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[token]
	if !ok || entry.OwnerID != ownerID {
		return nil, apperr.ErrTokenNotFound
	}
	if !c.now().Before(entry.ExpiresAt) {
		delete(c.entries, token)
		metrics.UploadCacheEvictionsTotal.WithLabelValues("expired").Inc()
		metrics.UploadCacheEntries.Set(float64(len(c.entries)))
		return nil, apperr.ErrTokenNotFound
	}

	cp := *entry
	return &cp, nil
}

// Delete 删除本人的缓存条目，返回是否删除
func (c *UploadCache) Delete(token string, ownerID uint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[token]
	if !ok || entry.OwnerID != ownerID {
		return false
	}
	delete(c.entries, token)
	metrics.UploadCacheEntries.Set(float64(len(c.entries)))
	return true
}

// SweepExpired 清理过期条目，返回清理数量
func (c *UploadCache) SweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for token, entry := range c.entries {
		if !now.Before(entry.ExpiresAt) {
			delete(c.entries, token)
			removed++
		}
	}
	if removed > 0 {
		metrics.UploadCacheEvictionsTotal.WithLabelValues("expired").Add(float64(removed))
	}
	metrics.UploadCacheEntries.Set(float64(len(c.entries)))
	return removed
}

// Len 当前条目数
func (c *UploadCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *UploadCache) evictOldestLocked() {
	var oldestToken string
	var oldest time.Time
	for token, entry := range c.entries {
		if oldestToken == "" || entry.CreatedAt.Before(oldest) {
			oldestToken = token
			oldest = entry.CreatedAt
		}
	}
	if oldestToken != "" {
		delete(c.entries, oldestToken)
		metrics.UploadCacheEvictionsTotal.WithLabelValues("capacity").Inc()
	}
}
