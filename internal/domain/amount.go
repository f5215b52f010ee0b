package domain

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ParseUnits 把人类可读数量（如 "1000.5"）按精度转换为最小单位
func ParseUnits(human string, decimals uint8) (*big.Int, error) {
	d, err := decimal.NewFromString(human)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", human, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("negative amount %q", human)
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %q has more than %d decimals", human, decimals)
	}
	return scaled.BigInt(), nil
}

// FormatUnits 最小单位转人类可读字符串，用于日志
func FormatUnits(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -int32(decimals)).String()
}
