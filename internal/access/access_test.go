package access

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/splitvault/internal/chain"
	"github.com/betbot/splitvault/internal/domain"
	"github.com/betbot/splitvault/internal/events"
)

var (
	admin    = common.HexToAddress("0xA0")
	operator = common.HexToAddress("0xB0")
	guardian = common.HexToAddress("0xC0")
	stranger = common.HexToAddress("0xD0")
)

func newRegistry(t *testing.T) (*Registry, *events.Recorder) {
	t.Helper()
	bus := events.NewBus()
	rec := &events.Recorder{}
	bus.Subscribe(rec)
	rt := chain.NewRuntime(chain.NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)), bus)
	r, err := New(rt, admin)
	require.NoError(t, err)
	return r, rec
}

// TestNewRejectsZeroAdmin 测试零地址不能作为初始管理员
func TestNewRejectsZeroAdmin(t *testing.T) {
	rt := chain.NewRuntime(chain.SystemClock{}, nil)
	_, err := New(rt, common.Address{})
	assert.Equal(t, domain.CodeZeroAddress, domain.CodeOf(err))
}

// TestGrantAndAuthorize 测试授予角色后鉴权通过
func TestGrantAndAuthorize(t *testing.T) {
	ctx := context.Background()
	r, rec := newRegistry(t)

	require.NoError(t, r.GrantRole(ctx, admin, domain.RoleOperator, operator))
	// 重复授予不产生事件
	require.NoError(t, r.GrantRole(ctx, admin, domain.RoleOperator, operator))
	assert.Equal(t, []string{"RoleChanged"}, rec.Names())

	auth, err := r.Authorize(ctx, operator, domain.RoleAdmin, domain.RoleOperator)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleOperator, auth.Role)
	assert.Equal(t, operator, auth.Caller)

	_, err = r.Authorize(ctx, stranger, domain.RoleOperator)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Equal(t, domain.KindAuthorization, domain.KindOf(err))
}

// TestOnlyAdminGrants 测试只有管理员可以授予和撤销角色
func TestOnlyAdminGrants(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)

	err := r.GrantRole(ctx, stranger, domain.RoleOperator, stranger)
	assert.Equal(t, domain.CodeUnauthorized, domain.CodeOf(err))
	assert.False(t, r.HasRole(ctx, domain.RoleOperator, stranger))

	err = r.GrantRole(ctx, admin, domain.RoleOperator, common.Address{})
	assert.Equal(t, domain.CodeZeroAddress, domain.CodeOf(err))
}

// TestLastAdminCannotLeave 测试最后一个管理员不能被撤销
func TestLastAdminCannotLeave(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)

	err := r.RevokeRole(ctx, admin, domain.RoleAdmin, admin)
	assert.Equal(t, domain.CodeCannotRemoveLastAdmin, domain.CodeOf(err))
	err = r.RenounceRole(ctx, admin, domain.RoleAdmin)
	assert.Equal(t, domain.CodeCannotRemoveLastAdmin, domain.CodeOf(err))

	second := common.HexToAddress("0xA1")
	require.NoError(t, r.GrantRole(ctx, admin, domain.RoleAdmin, second))
	require.NoError(t, r.RenounceRole(ctx, admin, domain.RoleAdmin))
	assert.Equal(t, []common.Address{second}, r.Members(ctx, domain.RoleAdmin))

	err = r.RevokeRole(ctx, second, domain.RoleAdmin, second)
	assert.Equal(t, domain.CodeCannotRemoveLastAdmin, domain.CodeOf(err))
}

// TestRenounceRequiresMembership 测试放弃角色要求本身持有该角色
func TestRenounceRequiresMembership(t *testing.T) {
	r, _ := newRegistry(t)
	err := r.RenounceRole(context.Background(), stranger, domain.RoleGuardian)
	assert.Equal(t, domain.CodeUnauthorized, domain.CodeOf(err))
}

// TestPauseLifecycle 测试暂停与恢复的状态校验
func TestPauseLifecycle(t *testing.T) {
	ctx := context.Background()
	r, rec := newRegistry(t)
	require.NoError(t, r.GrantRole(ctx, admin, domain.RoleGuardian, guardian))
	rec.Reset()

	// Admin 不是 Guardian
	err := r.Pause(ctx, admin)
	assert.Equal(t, domain.CodeUnauthorized, domain.CodeOf(err))

	err = r.Unpause(ctx, guardian)
	assert.Equal(t, domain.CodeInvalidPauseState, domain.CodeOf(err))

	require.NoError(t, r.Pause(ctx, guardian))
	assert.True(t, r.Paused(ctx))
	err = r.RequireNotPaused(ctx, "strategy.deposit")
	assert.ErrorIs(t, err, domain.ErrPaused)
	assert.Equal(t, "strategy.deposit", err.(*domain.Error).Op)

	err = r.Pause(ctx, guardian)
	assert.Equal(t, domain.CodeInvalidPauseState, domain.CodeOf(err))

	require.NoError(t, r.Unpause(ctx, guardian))
	assert.NoError(t, r.RequireNotPaused(ctx, "strategy.deposit"))
	assert.Equal(t, []string{"PauseStateChanged", "PauseStateChanged"}, rec.Names())
}

// TestRoleChangesRevertWithOuterTx 测试外层事务失败时角色变更一并回滚
func TestRoleChangesRevertWithOuterTx(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus()
	rec := &events.Recorder{}
	bus.Subscribe(rec)
	rt := chain.NewRuntime(chain.SystemClock{}, bus)
	r, err := New(rt, admin)
	require.NoError(t, err)

	err = rt.Execute(ctx, "batch", func(ctx context.Context) error {
		if err := r.GrantRole(ctx, admin, domain.RoleOperator, operator); err != nil {
			return err
		}
		return r.RevokeRole(ctx, admin, domain.RoleAdmin, admin)
	})
	assert.Equal(t, domain.CodeCannotRemoveLastAdmin, domain.CodeOf(err))
	assert.False(t, r.HasRole(ctx, domain.RoleOperator, operator))
	assert.Empty(t, rec.Records())
}
