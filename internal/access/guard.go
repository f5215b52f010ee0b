package access

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/betbot/splitvault/internal/domain"
)

// Guard 依赖组件使用的守卫能力
type Guard interface {
	Authorize(ctx context.Context, caller common.Address, roles ...domain.Role) (domain.Authorization, error)
	RequireNotPaused(ctx context.Context, op string) error
}

var _ Guard = (*Registry)(nil)
