package strategy

import (
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	DefaultMinOrderValidity = 5 * time.Minute
	DefaultMaxOrderValidity = time.Hour
)

// Logic 实现版本携带的策略规则。实例状态与实现无关，升级只替换这组规则。
type Logic struct {
	Label            string
	MinOrderValidity time.Duration // 订单剩余有效期下限
	MaxOrderValidity time.Duration // 订单剩余有效期上限
	FoldThreshold    *big.Int      // 收割时闲置资产超过该值才并入仓位
	RemainderToA     bool          // 分配取整余量计入 A；否则留在闲置
}

// DefaultLogic 默认规则
func DefaultLogic(label string) Logic {
	return Logic{
		Label:            label,
		MinOrderValidity: DefaultMinOrderValidity,
		MaxOrderValidity: DefaultMaxOrderValidity,
		FoldThreshold:    new(big.Int),
	}
}

func (l Logic) Validate() error {
	if l.MinOrderValidity < 0 || l.MaxOrderValidity <= 0 {
		return fmt.Errorf("logic %s: order validity window must be positive", l.Label)
	}
	if l.MinOrderValidity > l.MaxOrderValidity {
		return fmt.Errorf("logic %s: min validity %s > max validity %s", l.Label, l.MinOrderValidity, l.MaxOrderValidity)
	}
	if l.FoldThreshold != nil && l.FoldThreshold.Sign() < 0 {
		return fmt.Errorf("logic %s: negative fold threshold", l.Label)
	}
	return nil
}

func (l Logic) foldThreshold() *big.Int {
	if l.FoldThreshold == nil {
		return new(big.Int)
	}
	return l.FoldThreshold
}

// Catalog 实现句柄到策略规则的间接表，相当于链上已部署的代码
type Catalog struct {
	mu   sync.RWMutex
	code map[common.Address]Logic
}

func NewCatalog() *Catalog {
	return &Catalog{code: make(map[common.Address]Logic)}
}

// Bind 部署实现代码；同一句柄不可重复绑定
func (c *Catalog) Bind(handle common.Address, l Logic) error {
	if handle == (common.Address{}) {
		return fmt.Errorf("catalog: zero implementation handle")
	}
	if err := l.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.code[handle]; ok {
		return fmt.Errorf("catalog: %s already bound", handle.Hex())
	}
	c.code[handle] = l
	return nil
}

// Lookup 查询实现代码
func (c *Catalog) Lookup(handle common.Address) (Logic, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.code[handle]
	return l, ok
}

// Handles 全部已绑定句柄
func (c *Catalog) Handles() []common.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]common.Address, 0, len(c.code))
	for h := range c.code {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out
}
