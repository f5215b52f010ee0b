package secretstore

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

// MnemonicKey 部署助记词在库中的键
const MnemonicKey = "mnemonic"

// ErrNotFound 键不存在
var ErrNotFound = errors.New("secretstore: key not found")

// Store 基于 Badger 的小型密钥库，静态加密由 Badger 的 encryption key 提供
type Store struct {
	db *badger.DB
}

type OpenOptions struct {
	Path          string
	EncryptionKey []byte // 32 字节；为空时不加密
	ReadOnly      bool
	InMemory      bool
}

func Open(opts OpenOptions) (*Store, error) {
	var bopts badger.Options
	switch {
	case opts.InMemory:
		bopts = badger.DefaultOptions("").WithInMemory(true)
	case strings.TrimSpace(opts.Path) == "":
		return nil, errors.New("secretstore: path is required")
	default:
		bopts = badger.DefaultOptions(opts.Path).WithReadOnly(opts.ReadOnly)
	}
	bopts = bopts.WithLogger(nil)
	if len(opts.EncryptionKey) > 0 {
		// 加密库需要 index cache
		bopts = bopts.
			WithEncryptionKey(opts.EncryptionKey).
			WithIndexCacheSize(16 << 20)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("secretstore: open: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get 读取 key；不存在返回 ErrNotFound
func (s *Store) Get(key string) (string, error) {
	k, err := normalize(key)
	if err != nil {
		return "", err
	}
	var out string
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	return out, err
}

func (s *Store) Set(key, val string) error {
	k, err := normalize(key)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(k, []byte(val))
	})
}

// Mnemonic 读取部署助记词
func (s *Store) Mnemonic() (string, error) {
	mn, err := s.Get(MnemonicKey)
	if err != nil {
		return "", err
	}
	mn = strings.TrimSpace(mn)
	if mn == "" {
		return "", fmt.Errorf("secretstore: %s is empty", MnemonicKey)
	}
	return mn, nil
}

// SetMnemonic 写入部署助记词（去除首尾空白）
func (s *Store) SetMnemonic(mn string) error {
	mn = strings.TrimSpace(mn)
	if mn == "" {
		return errors.New("secretstore: mnemonic is empty")
	}
	return s.Set(MnemonicKey, mn)
}

func normalize(key string) ([]byte, error) {
	k := strings.TrimSpace(key)
	if k == "" {
		return nil, errors.New("secretstore: key is empty")
	}
	return []byte(k), nil
}

// ParseKey 解析 32 字节密钥（hex 或 base64）；输入为空返回 nil
func ParseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if b, err := hex.DecodeString(strings.TrimPrefix(raw, "0x")); err == nil {
		if len(b) != 32 {
			return nil, fmt.Errorf("decoded key length must be 32, got %d", len(b))
		}
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil {
		if len(b) != 32 {
			return nil, fmt.Errorf("decoded key length must be 32, got %d", len(b))
		}
		return b, nil
	}
	return nil, errors.New("key must be base64(32 bytes) or hex(32 bytes)")
}
