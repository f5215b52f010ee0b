package venue

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Venue 收益场所适配器。策略实例只通过这组方法与场所交互，不关心其内部记账模型。
//
// 返回值均视为不可信：调用方以账本余额变化为准重新校验。
type Venue interface {
	Address() common.Address
	Asset() common.Address
	// Deposit 从 from 拉取 amount（需事先 approve 给场所），返回份额
	Deposit(ctx context.Context, from common.Address, amount *big.Int) (*big.Int, error)
	// Redeem 赎回 holder 的 shares 份额，资产转回 holder
	Redeem(ctx context.Context, holder common.Address, shares *big.Int) (*big.Int, error)
	// SharesOf holder 持有的份额
	SharesOf(ctx context.Context, holder common.Address) (*big.Int, error)
	// CurrentValue holder 份额当前可赎回的资产数量
	CurrentValue(ctx context.Context, holder common.Address) (*big.Int, error)
}
