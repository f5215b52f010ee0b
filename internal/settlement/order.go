package settlement

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// MagicValue IsValidSignature 校验通过时返回的魔数（EIP-1271）
var MagicValue = [4]byte{0x16, 0x26, 0xba, 0x7e}

// Order 由外部构造、由持币方签名授权的兑换订单
type Order struct {
	SellToken  common.Address
	BuyToken   common.Address
	Receiver   common.Address
	SellAmount *big.Int
	BuyAmount  *big.Int // 最少买入数量
	ValidTo    uint32   // unix 秒
	AppData    [32]byte
	FeeAmount  *big.Int
}

// Domain EIP-712 域
type Domain struct {
	Name     string
	Version  string
	ChainID  int64
	Contract common.Address
}

// NewDomain 结算合约的默认域
func NewDomain(chainID int64, contract common.Address) Domain {
	return Domain{Name: "SplitVault Settlement", Version: "1", ChainID: chainID, Contract: contract}
}

var orderTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Order": {
		{Name: "sellToken", Type: "address"},
		{Name: "buyToken", Type: "address"},
		{Name: "receiver", Type: "address"},
		{Name: "sellAmount", Type: "uint256"},
		{Name: "buyAmount", Type: "uint256"},
		{Name: "validTo", Type: "uint32"},
		{Name: "appData", Type: "bytes32"},
		{Name: "feeAmount", Type: "uint256"},
	},
}

func orNone(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// Hash 计算订单的 EIP-712 摘要
func (d Domain) Hash(o Order) (common.Hash, error) {
	typed := apitypes.TypedData{
		Types:       orderTypes,
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              d.Name,
			Version:           d.Version,
			ChainId:           math.NewHexOrDecimal256(d.ChainID),
			VerifyingContract: d.Contract.Hex(),
		},
		Message: map[string]interface{}{
			"sellToken":  o.SellToken.Hex(),
			"buyToken":   o.BuyToken.Hex(),
			"receiver":   o.Receiver.Hex(),
			"sellAmount": orNone(o.SellAmount),
			"buyAmount":  orNone(o.BuyAmount),
			"validTo":    new(big.Int).SetUint64(uint64(o.ValidTo)),
			"appData":    hexutil.Encode(o.AppData[:]),
			"feeAmount":  orNone(o.FeeAmount),
		},
	}
	hash, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return common.Hash{}, fmt.Errorf("计算 EIP712 哈希失败: %w", err)
	}
	return common.BytesToHash(hash), nil
}

var payloadArgs = func() abi.Arguments {
	mustType := func(t string) abi.Type {
		typ, err := abi.NewType(t, "", nil)
		if err != nil {
			panic(err)
		}
		return typ
	}
	return abi.Arguments{
		{Name: "sellToken", Type: mustType("address")},
		{Name: "buyToken", Type: mustType("address")},
		{Name: "receiver", Type: mustType("address")},
		{Name: "sellAmount", Type: mustType("uint256")},
		{Name: "buyAmount", Type: mustType("uint256")},
		{Name: "validTo", Type: mustType("uint32")},
		{Name: "appData", Type: mustType("bytes32")},
		{Name: "feeAmount", Type: mustType("uint256")},
	}
}()

// EncodePayload 把订单编码为签名回调携带的 ABI 数据
func EncodePayload(o Order) ([]byte, error) {
	return payloadArgs.Pack(o.SellToken, o.BuyToken, o.Receiver,
		orNone(o.SellAmount), orNone(o.BuyAmount), o.ValidTo, o.AppData, orNone(o.FeeAmount))
}

// DecodePayload EncodePayload 的逆操作
func DecodePayload(data []byte) (Order, error) {
	vals, err := payloadArgs.Unpack(data)
	if err != nil {
		return Order{}, fmt.Errorf("解码订单失败: %w", err)
	}
	if len(vals) != len(payloadArgs) {
		return Order{}, fmt.Errorf("解码订单失败: 字段数 %d", len(vals))
	}
	var o Order
	var ok [8]bool
	o.SellToken, ok[0] = vals[0].(common.Address)
	o.BuyToken, ok[1] = vals[1].(common.Address)
	o.Receiver, ok[2] = vals[2].(common.Address)
	o.SellAmount, ok[3] = vals[3].(*big.Int)
	o.BuyAmount, ok[4] = vals[4].(*big.Int)
	o.ValidTo, ok[5] = vals[5].(uint32)
	o.AppData, ok[6] = vals[6].([32]byte)
	o.FeeAmount, ok[7] = vals[7].(*big.Int)
	for i, good := range ok {
		if !good {
			return Order{}, fmt.Errorf("解码订单失败: 字段 %s 类型 %T", payloadArgs[i].Name, vals[i])
		}
	}
	return o, nil
}

// Equal 字段逐一比较
func (o Order) Equal(other Order) bool {
	return o.SellToken == other.SellToken &&
		o.BuyToken == other.BuyToken &&
		o.Receiver == other.Receiver &&
		orNone(o.SellAmount).Cmp(orNone(other.SellAmount)) == 0 &&
		orNone(o.BuyAmount).Cmp(orNone(other.BuyAmount)) == 0 &&
		o.ValidTo == other.ValidTo &&
		o.AppData == other.AppData &&
		orNone(o.FeeAmount).Cmp(orNone(other.FeeAmount)) == 0
}
