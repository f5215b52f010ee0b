package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/betbot/splitvault/pkg/logger"
)

// Handler 关闭回调
type Handler func(ctx context.Context) error

type entry struct {
	name string
	fn   Handler
}

// Manager 优雅关闭管理器。回调按注册的逆序依次执行：后打开的资源先关闭。
type Manager struct {
	mu       sync.Mutex
	handlers []entry
	done     bool
}

// NewManager 创建新的关闭管理器
func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册关闭回调
func (m *Manager) OnShutdown(name string, fn Handler) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, entry{name: name, fn: fn})
}

// Shutdown 执行所有关闭回调（阻塞，只执行一次）。
// ctx 超时后剩余回调不再执行；返回全部失败回调的错误。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return nil
	}
	m.done = true
	handlers := m.handlers
	m.handlers = nil
	m.mu.Unlock()

	if len(handlers) == 0 {
		return nil
	}
	logger.Infof("开始优雅关闭，共 %d 个回调", len(handlers))

	var errs []error
	for i := len(handlers) - 1; i >= 0; i-- {
		h := handlers[i]
		if err := ctx.Err(); err != nil {
			logger.Warnf("关闭超时，跳过 %s: %v", h.name, err)
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
			continue
		}
		if err := h.fn(ctx); err != nil {
			logger.Errorf("关闭 %s 失败: %v", h.name, err)
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
			continue
		}
		logger.Debugf("已关闭 %s", h.name)
	}
	return errors.Join(errs...)
}
