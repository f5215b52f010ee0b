package domain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Role 角色
type Role uint8

const (
	RoleAdmin    Role = iota + 1 // 授予/撤销角色
	RoleOperator                 // 白名单实现、注册策略、代管 rebalance/harvest
	RoleGuardian                 // 只能暂停/恢复
)

// AllRoles 全部角色（按枚举顺序）
var AllRoles = []Role{RoleAdmin, RoleOperator, RoleGuardian}

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleOperator:
		return "operator"
	case RoleGuardian:
		return "guardian"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Valid 是否为已知角色
func (r Role) Valid() bool {
	return r >= RoleAdmin && r <= RoleGuardian
}

// ParseRole 解析角色名称（大小写不敏感）
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "admin":
		return RoleAdmin, nil
	case "operator":
		return RoleOperator, nil
	case "guardian":
		return RoleGuardian, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// Authorization 守卫函数的类型化授权结果，由每个写入口消费
type Authorization struct {
	Caller  common.Address
	Role    Role // 命中的角色；以所有者身份通过时为 0
	AsOwner bool
}

func (a Authorization) String() string {
	if a.AsOwner {
		return fmt.Sprintf("%s as owner", a.Caller.Hex())
	}
	return fmt.Sprintf("%s as %s", a.Caller.Hex(), a.Role)
}

// TypeID 实现版本的兼容类型编号；0 表示未分配
type TypeID uint64
