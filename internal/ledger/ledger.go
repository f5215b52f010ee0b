package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ErrUnknownToken 代币未登记
var ErrUnknownToken = fmt.Errorf("ledger: unknown token")

// Ledger 代币账本（ERC20 语义），由执行底座提供
type Ledger interface {
	Decimals(ctx context.Context, token common.Address) (uint8, error)
	BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	Transfer(ctx context.Context, token, from, to common.Address, amount *big.Int) error
	Approve(ctx context.Context, token, owner, spender common.Address, amount *big.Int) error
	TransferFrom(ctx context.Context, token, spender, from, to common.Address, amount *big.Int) error
}

// Token 代币元数据
type Token struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
}
