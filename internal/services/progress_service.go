// internal/services/progress_service.go
package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ProgressUpdate 表示进度更新
type ProgressUpdate struct {
	Progress int    `json:"progress"` // 进度百分比 (0-100)
	Message  string `json:"message"`  // 描述性消息
	Status   string `json:"status"`   // 状态：running, completed, failed, cancelled
}

// ProgressTracker 跟踪长时间运行任务的进度
// 每个流水线运行持有一个tracker，取消信号经由绑定的cancel函数
// 传递给该次运行的context（协作式取消，检查点在每个循环迭代开头）
type ProgressTracker struct {
	TaskID      string                       // 任务唯一标识符
	Progress    int                          // 进度百分比 (0-100)
	Message     string                       // 当前状态描述
	Status      string                       // 状态
	StartTime   time.Time                    // 开始时间
	UpdateTime  time.Time                    // 最后更新时间
	Subscribers map[chan ProgressUpdate]bool // 订阅进度更新的通道
	Done        chan struct{}                // 任务完成信号
	mutex       sync.Mutex                   // 保护并发访问
	cancel      context.CancelFunc
	finished    bool
}

// ProgressService 管理所有进度跟踪器
type ProgressService struct {
	trackers map[string]*ProgressTracker
	mutex    sync.RWMutex
}

// NewProgressService 创建进度服务实例
func NewProgressService() *ProgressService {
	return &ProgressService{
		trackers: make(map[string]*ProgressTracker),
	}
}

// NewTaskID 生成任务标识符
func (s *ProgressService) NewTaskID() string {
	return uuid.NewString()
}

// CreateTracker 创建新的进度跟踪器
func (s *ProgressService) CreateTracker(taskID string) *ProgressTracker {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	// 如果已存在，返回现有追踪器
	if tracker, exists := s.trackers[taskID]; exists {
		return tracker
	}

	tracker := &ProgressTracker{
		TaskID:      taskID,
		Progress:    0,
		Message:     "任务初始化中...",
		Status:      "running",
		StartTime:   time.Now(),
		UpdateTime:  time.Now(),
		Subscribers: make(map[chan ProgressUpdate]bool),
		Done:        make(chan struct{}),
	}

	s.trackers[taskID] = tracker
	return tracker
}

// GetTracker 获取进度跟踪器
func (s *ProgressService) GetTracker(taskID string) (*ProgressTracker, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	tracker, exists := s.trackers[taskID]
	return tracker, exists
}

// BindCancel 绑定该次运行的取消函数
func (t *ProgressTracker) BindCancel(cancel context.CancelFunc) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.cancel = cancel
}

// UpdateProgress 更新任务进度
func (t *ProgressTracker) UpdateProgress(progress int, message string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if progress > t.Progress {
		t.Progress = progress
	}
	if message != "" {
		t.Message = message
	}
	t.UpdateTime = time.Now()

	t.notifyLocked()
}

// Complete 标记任务完成
func (t *ProgressTracker) Complete(message string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.finished {
		return
	}

	t.Progress = 100
	if message != "" {
		t.Message = message
	} else {
		t.Message = "任务已完成"
	}
	t.Status = "completed"
	t.UpdateTime = time.Now()

	t.notifyLocked()
	t.finishLocked()
}

// Fail 标记任务失败
func (t *ProgressTracker) Fail(errorMsg string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.finished {
		return
	}

	t.Message = fmt.Sprintf("任务失败: %s", errorMsg)
	t.Status = "failed"
	t.UpdateTime = time.Now()

	t.notifyLocked()
	t.finishLocked()
}

// Cancel 请求取消任务
// 取消是建议性的：已在途的调用不会被强制终止，流水线在下一个
// 检查点放弃后续工作；已完成的部分结果保留
func (t *ProgressTracker) Cancel() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.finished {
		return
	}

	if t.cancel != nil {
		t.cancel()
	}

	t.Message = "任务已取消"
	t.Status = "cancelled"
	t.UpdateTime = time.Now()

	t.notifyLocked()
	t.finishLocked()
}

// notifyLocked 通知所有订阅者，调用方必须已持锁
func (t *ProgressTracker) notifyLocked() {
	update := ProgressUpdate{
		Progress: t.Progress,
		Message:  t.Message,
		Status:   t.Status,
	}

	for subscriber := range t.Subscribers {
		// 非阻塞发送，如果通道已满则跳过
		select {
		case subscriber <- update:
		default:
		}
	}
}

// finishLocked 关闭Done通道，调用方必须已持锁
func (t *ProgressTracker) finishLocked() {
	t.finished = true
	close(t.Done)
}

// Subscribe 订阅进度更新
func (t *ProgressTracker) Subscribe() chan ProgressUpdate {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	// 缓冲区设为10以避免阻塞
	subscriber := make(chan ProgressUpdate, 10)
	t.Subscribers[subscriber] = true

	// 立即发送当前状态
	subscriber <- ProgressUpdate{
		Progress: t.Progress,
		Message:  t.Message,
		Status:   t.Status,
	}

	return subscriber
}

// Unsubscribe 取消订阅
func (t *ProgressTracker) Unsubscribe(subscriber chan ProgressUpdate) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if _, exists := t.Subscribers[subscriber]; exists {
		delete(t.Subscribers, subscriber)
		close(subscriber)
	}
}

// TaskState 任务状态的一致快照，供API层在锁外读取与序列化
type TaskState struct {
	TaskID   string `json:"taskId"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
	Status   string `json:"status"`
}

// Snapshot 在锁内拷贝当前状态
func (t *ProgressTracker) Snapshot() TaskState {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return TaskState{
		TaskID:   t.TaskID,
		Progress: t.Progress,
		Message:  t.Message,
		Status:   t.Status,
	}
}

// IsCancelled 检查任务是否已被取消
func (t *ProgressTracker) IsCancelled() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.Status == "cancelled"
}

// CleanupCompletedTasks 清理已完成的任务
func (s *ProgressService) CleanupCompletedTasks(maxAge time.Duration) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := time.Now()
	for id, tracker := range s.trackers {
		tracker.mutex.Lock()
		isFinished := tracker.finished
		isOld := now.Sub(tracker.UpdateTime) > maxAge
		tracker.mutex.Unlock()

		if isFinished && isOld {
			delete(s.trackers, id)
		}
	}
}
