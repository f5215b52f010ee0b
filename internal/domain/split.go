package domain

import (
	"fmt"
	"math/big"
)

const (
	// SplitTotal 两个收益场所的比例之和（10000 = 100.00%）
	SplitTotal uint32 = 10_000
	// BpsDenominator 基点分母
	BpsDenominator uint32 = 10_000
)

// Split 两个收益场所的资金比例（基点）
type Split struct {
	A uint32 `json:"a" yaml:"a"`
	B uint32 `json:"b" yaml:"b"`
}

// NewSplit 构造并校验比例
func NewSplit(a, b uint32) (Split, error) {
	s := Split{A: a, B: b}
	if err := s.Validate(); err != nil {
		return Split{}, err
	}
	return s, nil
}

// Validate a+b 必须等于 SplitTotal
func (s Split) Validate() error {
	if uint64(s.A)+uint64(s.B) != uint64(SplitTotal) {
		return Errf(CodeInvalidSplit, "split", "%d+%d != %d", s.A, s.B, SplitTotal)
	}
	return nil
}

func (s Split) String() string {
	return fmt.Sprintf("%d/%d", s.A, s.B)
}

// MulBps amount*bps/10000，向下取整
func MulBps(amount *big.Int, bps uint32) *big.Int {
	out := new(big.Int).Mul(amount, big.NewInt(int64(bps)))
	return out.Quo(out, big.NewInt(int64(BpsDenominator)))
}

// MulDiv a*b/c，向下取整；c 为 0 时返回 0
func MulDiv(a, b, c *big.Int) *big.Int {
	if c.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, c)
}

// MulDivUp a*b/c，向上取整；c 为 0 时返回 0
func MulDivUp(a, b, c *big.Int) *big.Int {
	if c.Sign() == 0 {
		return new(big.Int)
	}
	num := new(big.Int).Mul(a, b)
	q, r := new(big.Int).QuoRem(num, c, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// MinInt 返回较小值的副本
func MinInt(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// Zero 新的 0
func Zero() *big.Int { return new(big.Int) }

// IsZeroOrNil amount 为空或为 0
func IsZeroOrNil(amount *big.Int) bool {
	return amount == nil || amount.Sign() == 0
}
