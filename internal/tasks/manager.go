package tasks

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ketches/mindmap-backend/internal/logger"
	"go.uber.org/zap"
)

// TaskManager 后台任务管理器
type TaskManager struct {
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	tasks   map[string]*Task
	mu      sync.RWMutex
	started bool
}

// Task 后台任务
type Task struct {
	Name     string
	Interval time.Duration
	Handler  func(ctx context.Context) error
	Running  bool
	LastRun  time.Time
	LastErr  error
	Runs     int
}

// TaskStatus 任务状态
type TaskStatus struct {
	Name     string    `json:"name"`
	Interval string    `json:"interval"`
	Running  bool      `json:"running"`
	LastRun  time.Time `json:"last_run"`
	LastErr  string    `json:"last_error,omitempty"`
	Runs     int       `json:"runs"`
}

var (
	manager *TaskManager
	once    sync.Once

	errPanic = errors.New("任务执行发生 panic")
)

// NewManager 创建任务管理器
func NewManager() *TaskManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskManager{
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]*Task),
	}
}

// GetManager 获取任务管理器单例
func GetManager() *TaskManager {
	once.Do(func() {
		manager = NewManager()
	})
	return manager
}

// Register 注册任务，启动后注册的任务立即开始运行
func (m *TaskManager) Register(name string, interval time.Duration, handler func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task := &Task{
		Name:     name,
		Interval: interval,
		Handler:  handler,
	}
	m.tasks[name] = task

	logger.Info("后台任务已注册", zap.String("task", name), zap.Duration("interval", interval))

	if m.started {
		m.wg.Add(1)
		go m.runTask(name, task)
	}
}

// Start 启动所有任务
func (m *TaskManager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	logger.Info("启动后台任务管理器", zap.Int("task_count", len(m.tasks)))

	for name, task := range m.tasks {
		m.wg.Add(1)
		go m.runTask(name, task)
	}
}

// runTask 运行单个任务
func (m *TaskManager) runTask(name string, task *Task) {
	defer m.wg.Done()
	m.runTaskLoop(name, task)
}

// runTaskLoop 任务循环
func (m *TaskManager) runTaskLoop(name string, task *Task) {
	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	// 立即执行一次
	m.executeTask(name, task)

	for {
		select {
		case <-m.ctx.Done():
			logger.Info("后台任务已停止", zap.String("task", name))
			return
		case <-ticker.C:
			m.executeTask(name, task)
		}
	}
}

// executeTask 执行任务
func (m *TaskManager) executeTask(name string, task *Task) {
	m.mu.Lock()
	task.Running = true
	m.mu.Unlock()

	err := m.safeRun(name, task)

	m.mu.Lock()
	task.Running = false
	task.LastRun = time.Now()
	task.LastErr = err
	task.Runs++
	m.mu.Unlock()

	if err != nil {
		logger.Error("后台任务执行失败", zap.String("task", name), zap.Error(err))
	}
}

// safeRun 任务 panic 不影响其他任务
func (m *TaskManager) safeRun(name string, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("后台任务发生 panic", zap.String("task", name), zap.Any("panic", r))
			err = errPanic
		}
	}()
	return task.Handler(m.ctx)
}

// Stop 停止所有任务
func (m *TaskManager) Stop() {
	logger.Info("正在停止后台任务管理器...")
	m.cancel()
	m.wg.Wait()
	logger.Info("后台任务管理器已停止")
}

// GetStatus 获取所有任务状态（按名称排序）
func (m *TaskManager) GetStatus() []TaskStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]TaskStatus, 0, len(m.tasks))
	for _, task := range m.tasks {
		status := TaskStatus{
			Name:     task.Name,
			Interval: task.Interval.String(),
			Running:  task.Running,
			LastRun:  task.LastRun,
			Runs:     task.Runs,
		}
		if task.LastErr != nil {
			status.LastErr = task.LastErr.Error()
		}
		statuses = append(statuses, status)
	}

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}
