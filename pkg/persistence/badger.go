package persistence

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/betbot/splitvault/pkg/logger"
)

// BadgerService 基于 Badger 的持久化服务
type BadgerService struct {
	db *badger.DB

	seqMu sync.Mutex
	seqs  map[string]*badger.Sequence
}

// 每次向 Badger 租用的序号数量；未用完的部分在 Close 时归还
const sequenceBandwidth = 64

// BadgerOptions 打开参数；InMemory 为 true 时忽略 Path
type BadgerOptions struct {
	Path     string
	InMemory bool
	ReadOnly bool
}

// OpenBadger 打开 Badger 数据库
func OpenBadger(opts BadgerOptions) (*BadgerService, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if strings.TrimSpace(opts.Path) == "" {
			return nil, errors.New("persistence: badger path is required")
		}
		bopts = badger.DefaultOptions(opts.Path).WithReadOnly(opts.ReadOnly)
	}
	db, err := badger.Open(bopts.WithLogger(nil))
	if err != nil {
		return nil, err
	}
	return &BadgerService{db: db, seqs: make(map[string]*badger.Sequence)}, nil
}

// Close 归还序号租约并关闭数据库
func (s *BadgerService) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.seqMu.Lock()
	var errs []error
	for name, seq := range s.seqs {
		if err := seq.Release(); err != nil {
			errs = append(errs, err)
		}
		delete(s.seqs, name)
	}
	s.seqMu.Unlock()
	errs = append(errs, s.db.Close())
	return errors.Join(errs...)
}

// NextSequence 基于 Badger Sequence 的序号，从 1 开始
func (s *BadgerService) NextSequence(name string) (uint64, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	seq, ok := s.seqs[name]
	if !ok {
		var err error
		seq, err = s.db.GetSequence([]byte("seq:"+name), sequenceBandwidth)
		if err != nil {
			return 0, err
		}
		s.seqs[name] = seq
	}
	v, err := seq.Next()
	if err != nil {
		return 0, err
	}
	return v + 1, nil
}

// NewStore 创建新的存储
func (s *BadgerService) NewStore(prefix, id, tag string) Store {
	return &BadgerStore{db: s.db, key: []byte(Key(prefix, id, tag))}
}

// Scan 按键升序遍历前缀
func (s *BadgerService) Scan(prefix string, fn func(key string, raw []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(string(item.KeyCopy(nil)), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

// BadgerStore 单个键的存储
type BadgerStore struct {
	db  *badger.DB
	key []byte
}

// Save 保存数据
func (s *BadgerStore) Save(data interface{}) error {
	logger.Debugf("[persistence] badger Save: key=%s", s.key)
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key, b)
	})
}

// Load 加载数据
func (s *BadgerStore) Load(data interface{}) error {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key)
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotExists
		}
		return err
	}
	if len(raw) == 0 {
		return ErrNotExists
	}
	return json.Unmarshal(raw, data)
}
