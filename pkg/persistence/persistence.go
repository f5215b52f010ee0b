package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/betbot/splitvault/pkg/logger"
)

// Service 持久化服务接口
type Service interface {
	NewStore(prefix, id, tag string) Store
}

// Store 存储接口
type Store interface {
	Save(data interface{}) error
	Load(data interface{}) error
}

// Scanner 按前缀有序遍历（键升序）
type Scanner interface {
	Scan(prefix string, fn func(key string, raw []byte) error) error
}

// Sequencer 持久化的单调递增序号，重新打开后继续递增（允许空洞）
type Sequencer interface {
	NextSequence(name string) (uint64, error)
}

// ErrNotExists 表示数据不存在
var ErrNotExists = fmt.Errorf("persistence data not exists")

// Key 统一的键格式 prefix:id:tag
func Key(prefix, id, tag string) string {
	return fmt.Sprintf("%s:%s:%s", prefix, id, tag)
}

// JSONFileService 基于 JSON 文件的持久化服务
type JSONFileService struct {
	baseDir string
	seqMu   sync.Mutex
}

// NewJSONFileService 创建 JSON 文件持久化服务
func NewJSONFileService(baseDir string) *JSONFileService {
	return &JSONFileService{
		baseDir: baseDir,
	}
}

// NewStore 创建新的存储
func (s *JSONFileService) NewStore(prefix, id, tag string) Store {
	return &JSONFileStore{
		service: s,
		key:     Key(prefix, id, tag),
	}
}

// Scan 遍历文件名以 prefix 开头的存储
func (s *JSONFileService) Scan(prefix string, fn func(key string, raw []byte) error) error {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	safePrefix := sanitize(prefix)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || !strings.HasPrefix(name, safePrefix) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := os.ReadFile(filepath.Join(s.baseDir, name))
		if err != nil {
			return err
		}
		if err := fn(strings.TrimSuffix(name, ".json"), b); err != nil {
			return err
		}
	}
	return nil
}

// NextSequence 序号保存在 <name>.seq 文件中，从 1 开始
func (s *JSONFileService) NextSequence(name string) (uint64, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return 0, err
	}
	path := filepath.Join(s.baseDir, sanitize(name)+".seq")
	var cur uint64
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		cur, err = strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("persistence: corrupt sequence %s: %w", name, err)
		}
	case !os.IsNotExist(err):
		return 0, err
	}
	next := cur + 1
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(next, 10)), 0o644); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, err
	}
	return next, nil
}

// JSONFileStore JSON 文件存储实现
type JSONFileStore struct {
	service *JSONFileService
	key     string
}

var keySanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func sanitize(key string) string {
	return keySanitizer.ReplaceAllString(key, "_")
}

func (s *JSONFileStore) filePath() string {
	return filepath.Join(s.service.baseDir, sanitize(s.key)+".json")
}

// Save 保存数据（先写临时文件再 rename）
func (s *JSONFileStore) Save(data interface{}) error {
	logger.Debugf("[persistence] Save: key=%s", s.key)
	if err := os.MkdirAll(s.service.baseDir, 0o755); err != nil {
		return err
	}

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}

	path := s.filePath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load 加载数据
func (s *JSONFileStore) Load(data interface{}) error {
	logger.Debugf("[persistence] Load: key=%s", s.key)
	b, err := os.ReadFile(s.filePath())
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotExists
		}
		return err
	}
	if len(b) == 0 {
		return ErrNotExists
	}
	return json.Unmarshal(b, data)
}
