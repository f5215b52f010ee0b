package shutdown

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestShutdownRunsInReverseOrder 测试按注册逆序关闭且只执行一次
func TestShutdownRunsInReverseOrder(t *testing.T) {
	m := NewManager()
	var order []string
	for _, name := range []string{"journal", "metrics", "keeper"} {
		name := name
		m.OnShutdown(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}
	m.OnShutdown("nil", nil)

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, []string{"keeper", "metrics", "journal"}, order)

	// 第二次调用不再执行
	require.NoError(t, m.Shutdown(context.Background()))
	assert.Len(t, order, 3)
}

// TestShutdownCollectsErrors 测试收集关闭错误
func TestShutdownCollectsErrors(t *testing.T) {
	m := NewManager()
	boom := errors.New("boom")
	ran := false
	m.OnShutdown("first", func(context.Context) error {
		ran = true
		return nil
	})
	m.OnShutdown("second", func(context.Context) error { return boom })

	err := m.Shutdown(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "second")
	assert.True(t, ran)
}

// TestShutdownSkipsAfterDeadline 测试超时后跳过剩余回调
func TestShutdownSkipsAfterDeadline(t *testing.T) {
	m := NewManager()
	ran := false
	m.OnShutdown("late", func(context.Context) error {
		ran = true
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.Shutdown(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran)
}
