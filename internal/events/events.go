package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/betbot/splitvault/internal/domain"
)

// Event 所有可观察事件
type Event interface {
	EventName() string
}

// RoleChangedEvent 角色授予/撤销
type RoleChangedEvent struct {
	Role    domain.Role
	Account common.Address
	Sender  common.Address
	Granted bool
}

func (RoleChangedEvent) EventName() string { return "RoleChanged" }

// PauseStateChangedEvent 暂停状态变化
type PauseStateChangedEvent struct {
	Paused bool
	Sender common.Address
}

func (PauseStateChangedEvent) EventName() string { return "PauseStateChanged" }

// FeedChainConfiguredEvent 价格链配置
type FeedChainConfiguredEvent struct {
	From  common.Address
	To    common.Address
	Steps int
}

func (FeedChainConfiguredEvent) EventName() string { return "FeedChainConfigured" }

// ImplementationWhitelistedEvent 实现版本加入白名单
type ImplementationWhitelistedEvent struct {
	Implementation common.Address
	Type           domain.TypeID
	NewType        bool // 是否新分配的类型
}

func (ImplementationWhitelistedEvent) EventName() string { return "ImplementationWhitelisted" }

// ImplementationDelistedEvent 实现版本移出白名单
type ImplementationDelistedEvent struct {
	Implementation common.Address
	Type           domain.TypeID
	Latest         common.Address // 移除后的 latest，可能为零地址
}

func (ImplementationDelistedEvent) EventName() string { return "ImplementationDelisted" }

// StrategyRegisteredEvent 策略实例注册
type StrategyRegisteredEvent struct {
	Instance       common.Address
	Owner          common.Address
	Implementation common.Address
	Type           domain.TypeID
}

func (StrategyRegisteredEvent) EventName() string { return "StrategyRegistered" }

// StrategyUpgradedEvent 策略实例升级（前后实现）
type StrategyUpgradedEvent struct {
	Instance common.Address
	From     common.Address
	To       common.Address
	Type     domain.TypeID
}

func (StrategyUpgradedEvent) EventName() string { return "StrategyUpgraded" }

// StrategyOwnerChangedEvent 所有权转移（实例与注册中心各发一次）
type StrategyOwnerChangedEvent struct {
	Instance      common.Address
	PreviousOwner common.Address
	NewOwner      common.Address
	Source        string // "instance" 或 "registry"
}

func (StrategyOwnerChangedEvent) EventName() string { return "StrategyOwnerChanged" }

// StrategyInitializedEvent 实例初始化
type StrategyInitializedEvent struct {
	Instance       common.Address
	Owner          common.Address
	Implementation common.Address
	BaseAsset      common.Address
	Split          domain.Split
}

func (StrategyInitializedEvent) EventName() string { return "StrategyInitialized" }

// DepositedEvent 存入
type DepositedEvent struct {
	Instance common.Address
	Owner    common.Address
	Amount   *big.Int
	ToA      *big.Int
	ToB      *big.Int
}

func (DepositedEvent) EventName() string { return "Deposited" }

// WithdrawnEvent 取出
type WithdrawnEvent struct {
	Instance common.Address
	Owner    common.Address
	Amount   *big.Int
	FromA    *big.Int
	FromB    *big.Int
}

func (WithdrawnEvent) EventName() string { return "Withdrawn" }

// RebalancedEvent 全量赎回后按新比例重新存入
type RebalancedEvent struct {
	Instance common.Address
	Old      domain.Split
	New      domain.Split
	ToA      *big.Int
	ToB      *big.Int
	Reason   string // "rebalance" / "harvest"
}

func (RebalancedEvent) EventName() string { return "Rebalanced" }

// RewardTokenUpdatedEvent 奖励代币增删
type RewardTokenUpdatedEvent struct {
	Instance common.Address
	Token    common.Address
	Added    bool
}

func (RewardTokenUpdatedEvent) EventName() string { return "RewardTokenUpdated" }

// SlippageUpdatedEvent 滑点容忍度调整
type SlippageUpdatedEvent struct {
	Instance common.Address
	Old      uint32
	New      uint32
}

func (SlippageUpdatedEvent) EventName() string { return "SlippageUpdated" }

// OrderAuthorizedEvent 实例授权了一笔预签名兑换订单
type OrderAuthorizedEvent struct {
	Instance   common.Address
	OrderHash  common.Hash
	SellToken  common.Address
	SellAmount *big.Int
	MinOut     *big.Int
	Quote      *big.Int
	ValidTo    uint32
}

func (OrderAuthorizedEvent) EventName() string { return "OrderAuthorized" }

// OrderRevokedEvent 待结算订单被撤销（手动取消、过期或已成交清理）
type OrderRevokedEvent struct {
	Instance  common.Address
	OrderHash common.Hash
	Reason    string
}

func (OrderRevokedEvent) EventName() string { return "OrderRevoked" }

// HarvestedEvent 一次 harvest 的汇总
type HarvestedEvent struct {
	Instance   common.Address
	Folded     *big.Int // 并入仓位的闲置基础资产
	Authorized int
	Skipped    int
}

func (HarvestedEvent) EventName() string { return "Harvested" }

// ForeignAssetRecoveredEvent 误转入的无关代币被取回
type ForeignAssetRecoveredEvent struct {
	Instance common.Address
	Token    common.Address
	To       common.Address
	Amount   *big.Int
}

func (ForeignAssetRecoveredEvent) EventName() string { return "ForeignAssetRecovered" }

// OrderSettledEvent 结算方完成一笔订单
type OrderSettledEvent struct {
	Settlement common.Address
	Owner      common.Address
	OrderHash  common.Hash
	SellAmount *big.Int
	BuyAmount  *big.Int
}

func (OrderSettledEvent) EventName() string { return "OrderSettled" }
