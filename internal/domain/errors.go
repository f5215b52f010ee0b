package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind 错误分类：决定调用方如何处理（全部为致命错误，内部从不自动重试）
type Kind string

const (
	KindAuthorization Kind = "authorization"
	KindValidation    Kind = "validation"
	KindState         Kind = "state"
	KindExternal      Kind = "external"
)

// Code 错误码，原样暴露给调用方
type Code string

const (
	// 授权类
	CodeUnauthorized     Code = "Unauthorized"
	CodeNotOwner         Code = "NotOwner"
	CodeOnlyRegistry     Code = "OnlyRegistry"
	CodeNotRegistryBound Code = "NotRegistryBound"

	// 校验类
	CodeInvalidSplit         Code = "InvalidSplit"
	CodeZeroAmount           Code = "ZeroAmount"
	CodeTypeMismatch         Code = "TypeMismatch"
	CodeIncompatibleType     Code = "IncompatibleType"
	CodeInvalidFeedChain     Code = "InvalidFeedChain"
	CodeCannotAddBaseAsset   Code = "CannotAddBaseAsset"
	CodeNotWhitelisted       Code = "NotWhitelisted"
	CodeNoImplementationCode Code = "NoImplementationCode"
	CodeOwnerMismatch        Code = "OwnerMismatch"
	CodeInvalidOrder         Code = "InvalidOrder"
	CodeProtectedAsset       Code = "ProtectedAsset"
	CodeInvalidSlippage      Code = "InvalidSlippage"
	CodeZeroAddress          Code = "ZeroAddress"
	CodeInvalidRole          Code = "InvalidRole"

	// 状态类
	CodeAlreadyRegistered     Code = "AlreadyRegistered"
	CodeCannotRemoveLastAdmin Code = "CannotRemoveLastAdmin"
	CodeInvalidPauseState     Code = "InvalidPauseState"
	CodeInsufficientBalance   Code = "InsufficientBalance"
	CodePaused                Code = "Paused"
	CodeReentrantCall         Code = "ReentrantCall"
	CodeAlreadyInitialized    Code = "AlreadyInitialized"
	CodeNotInitialized        Code = "NotInitialized"
	CodeNotRegistered         Code = "NotRegistered"
	CodeUnknownOrder          Code = "UnknownOrder"
	CodeReadOnlyFrame         Code = "ReadOnlyFrame"

	// 外部依赖类
	CodeStalePrice   Code = "StalePrice"
	CodeInvalidPrice Code = "InvalidPrice"
	CodeVenueFailure Code = "VenueFailure"
)

var codeKinds = map[Code]Kind{
	CodeUnauthorized:     KindAuthorization,
	CodeNotOwner:         KindAuthorization,
	CodeOnlyRegistry:     KindAuthorization,
	CodeNotRegistryBound: KindAuthorization,

	CodeInvalidSplit:         KindValidation,
	CodeZeroAmount:           KindValidation,
	CodeTypeMismatch:         KindValidation,
	CodeIncompatibleType:     KindValidation,
	CodeInvalidFeedChain:     KindValidation,
	CodeCannotAddBaseAsset:   KindValidation,
	CodeNotWhitelisted:       KindValidation,
	CodeNoImplementationCode: KindValidation,
	CodeOwnerMismatch:        KindValidation,
	CodeInvalidOrder:         KindValidation,
	CodeProtectedAsset:       KindValidation,
	CodeInvalidSlippage:      KindValidation,
	CodeZeroAddress:          KindValidation,
	CodeInvalidRole:          KindValidation,

	CodeAlreadyRegistered:     KindState,
	CodeCannotRemoveLastAdmin: KindState,
	CodeInvalidPauseState:     KindState,
	CodeInsufficientBalance:   KindState,
	CodePaused:                KindState,
	CodeReentrantCall:         KindState,
	CodeAlreadyInitialized:    KindState,
	CodeNotInitialized:        KindState,
	CodeNotRegistered:         KindState,
	CodeUnknownOrder:          KindState,
	CodeReadOnlyFrame:         KindState,

	CodeStalePrice:   KindExternal,
	CodeInvalidPrice: KindExternal,
	CodeVenueFailure: KindExternal,
}

// Kind 返回错误码所属分类，未知错误码按外部依赖处理
func (c Code) Kind() Kind {
	if k, ok := codeKinds[c]; ok {
		return k
	}
	return KindExternal
}

// Error 带错误码的业务错误
type Error struct {
	Code   Code
	Op     string // 入口名称，例如 "strategy.deposit"
	Detail string
	cause  error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

// Is 按错误码匹配，使 errors.Is(err, domain.ErrNotOwner) 成立
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func (e *Error) Unwrap() error { return e.cause }

// Kind 错误分类
func (e *Error) Kind() Kind { return e.Code.Kind() }

// Errf 构造业务错误
func Errf(code Code, op string, format string, args ...interface{}) *Error {
	return &Error{Code: code, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// Wrap 把外部调用失败包装为带错误码的业务错误，保留原始原因
func Wrap(code Code, op string, cause error, format string, args ...interface{}) *Error {
	return &Error{
		Code:   code,
		Op:     op,
		Detail: fmt.Sprintf(format, args...),
		cause:  errors.WithStack(cause),
	}
}

// CodeOf 提取错误码；非业务错误返回空
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// KindOf 提取错误分类；非业务错误视为外部依赖失败
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind()
	}
	return KindExternal
}

// 哨兵错误，仅用于 errors.Is 比较
var (
	ErrUnauthorized     = &Error{Code: CodeUnauthorized}
	ErrNotOwner         = &Error{Code: CodeNotOwner}
	ErrOnlyRegistry     = &Error{Code: CodeOnlyRegistry}
	ErrNotRegistryBound = &Error{Code: CodeNotRegistryBound}

	ErrInvalidSplit         = &Error{Code: CodeInvalidSplit}
	ErrZeroAmount           = &Error{Code: CodeZeroAmount}
	ErrTypeMismatch         = &Error{Code: CodeTypeMismatch}
	ErrIncompatibleType     = &Error{Code: CodeIncompatibleType}
	ErrInvalidFeedChain     = &Error{Code: CodeInvalidFeedChain}
	ErrCannotAddBaseAsset   = &Error{Code: CodeCannotAddBaseAsset}
	ErrNotWhitelisted       = &Error{Code: CodeNotWhitelisted}
	ErrNoImplementationCode = &Error{Code: CodeNoImplementationCode}
	ErrOwnerMismatch        = &Error{Code: CodeOwnerMismatch}
	ErrInvalidOrder         = &Error{Code: CodeInvalidOrder}
	ErrProtectedAsset       = &Error{Code: CodeProtectedAsset}
	ErrInvalidSlippage      = &Error{Code: CodeInvalidSlippage}
	ErrZeroAddress          = &Error{Code: CodeZeroAddress}
	ErrInvalidRole          = &Error{Code: CodeInvalidRole}

	ErrAlreadyRegistered     = &Error{Code: CodeAlreadyRegistered}
	ErrCannotRemoveLastAdmin = &Error{Code: CodeCannotRemoveLastAdmin}
	ErrInvalidPauseState     = &Error{Code: CodeInvalidPauseState}
	ErrInsufficientBalance   = &Error{Code: CodeInsufficientBalance}
	ErrPaused                = &Error{Code: CodePaused}
	ErrReentrantCall         = &Error{Code: CodeReentrantCall}
	ErrAlreadyInitialized    = &Error{Code: CodeAlreadyInitialized}
	ErrNotInitialized        = &Error{Code: CodeNotInitialized}
	ErrNotRegistered         = &Error{Code: CodeNotRegistered}
	ErrUnknownOrder          = &Error{Code: CodeUnknownOrder}
	ErrReadOnlyFrame         = &Error{Code: CodeReadOnlyFrame}

	ErrStalePrice   = &Error{Code: CodeStalePrice}
	ErrInvalidPrice = &Error{Code: CodeInvalidPrice}
	ErrVenueFailure = &Error{Code: CodeVenueFailure}
)
