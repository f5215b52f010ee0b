package wallet

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	hdwallet "github.com/miguelmota/go-ethereum-hdwallet"
)

// DefaultPathFormat BIP-44 以太坊派生路径
const DefaultPathFormat = "m/44'/60'/0'/0/%d"

// Account 派生出的账户
type Account struct {
	Index         uint32
	Path          string
	Address       common.Address
	PrivateKeyHex string
}

// Keyring 从同一助记词按索引派生账户，结果缓存
type Keyring struct {
	w          *hdwallet.Wallet
	pathFormat string

	mu    sync.Mutex
	cache map[uint32]Account
}

// NewKeyring 使用默认派生路径
func NewKeyring(mnemonic string) (*Keyring, error) {
	return NewKeyringWithPath(mnemonic, DefaultPathFormat)
}

// NewKeyringWithPath pathFormat 需包含一个 %d 占位符
func NewKeyringWithPath(mnemonic, pathFormat string) (*Keyring, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if mnemonic == "" {
		return nil, fmt.Errorf("mnemonic is required")
	}
	if strings.Count(pathFormat, "%d") != 1 {
		return nil, fmt.Errorf("invalid path format %q", pathFormat)
	}
	w, err := hdwallet.NewFromMnemonic(mnemonic)
	if err != nil {
		return nil, fmt.Errorf("invalid mnemonic: %w", err)
	}
	return &Keyring{w: w, pathFormat: pathFormat, cache: make(map[uint32]Account)}, nil
}

// Derive 派生 index 对应的账户
func (k *Keyring) Derive(index uint32) (Account, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if acct, ok := k.cache[index]; ok {
		return acct, nil
	}

	raw := fmt.Sprintf(k.pathFormat, index)
	path, err := hdwallet.ParseDerivationPath(raw)
	if err != nil {
		return Account{}, fmt.Errorf("invalid derivation_path: %w", err)
	}
	acct, err := k.w.Derive(path, false)
	if err != nil {
		return Account{}, fmt.Errorf("derive failed: %w", err)
	}
	pk, err := k.w.PrivateKeyHex(acct)
	if err != nil {
		return Account{}, fmt.Errorf("private key failed: %w", err)
	}
	out := Account{Index: index, Path: raw, Address: acct.Address, PrivateKeyHex: pk}
	k.cache[index] = out
	return out, nil
}

// Address 派生地址的便捷版本
func (k *Keyring) Address(index uint32) (common.Address, error) {
	acct, err := k.Derive(index)
	if err != nil {
		return common.Address{}, err
	}
	return acct.Address, nil
}
