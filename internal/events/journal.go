package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/betbot/splitvault/pkg/persistence"
)

const (
	journalPrefix   = "journal"
	journalSequence = "journal"
)

// JournalEntry 持久化的事件条目
type JournalEntry struct {
	ID      string          `json:"id"`
	Seq     uint64          `json:"seq"`
	TxID    uint64          `json:"tx_id"`
	TxName  string          `json:"tx_name"`
	Index   int             `json:"index"`
	At      time.Time       `json:"at"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// JournalBackend 日志存储需要的能力
type JournalBackend interface {
	persistence.Service
	persistence.Scanner
	persistence.Sequencer
}

// Journal 把已提交事件写入持久化存储的观察者。
// 键是存储级的单调序号，跨进程重启仍按提交顺序遍历。
type Journal struct {
	backend JournalBackend
}

func NewJournal(backend JournalBackend) *Journal {
	return &Journal{backend: backend}
}

func entryID(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

// HandleEvent 实现 Handler；写入失败只记录日志，不影响已提交状态
func (j *Journal) HandleEvent(_ context.Context, rec Record) {
	payload, err := json.Marshal(rec.Event)
	if err != nil {
		log.Errorf("[Journal] 事件序列化失败: event=%s err=%v", rec.Event.EventName(), err)
		return
	}
	seq, err := j.backend.NextSequence(journalSequence)
	if err != nil {
		log.Errorf("[Journal] 分配序号失败: tx=%d event=%s err=%v", rec.TxID, rec.Event.EventName(), err)
		return
	}
	entry := JournalEntry{
		ID:      uuid.NewString(),
		Seq:     seq,
		TxID:    rec.TxID,
		TxName:  rec.TxName,
		Index:   rec.Index,
		At:      rec.At,
		Name:    rec.Event.EventName(),
		Payload: payload,
	}
	store := j.backend.NewStore(journalPrefix, entryID(seq), entry.ID)
	if err := store.Save(entry); err != nil {
		log.Errorf("[Journal] 写入失败: seq=%d tx=%d event=%s err=%v", seq, rec.TxID, entry.Name, err)
	}
}

// Entries 按提交顺序返回全部条目；name 非空时只返回该事件
func (j *Journal) Entries(name string) ([]JournalEntry, error) {
	var out []JournalEntry
	err := j.backend.Scan(journalPrefix, func(key string, raw []byte) error {
		var e JournalEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("decode journal entry %s: %w", key, err)
		}
		if name == "" || e.Name == name {
			out = append(out, e)
		}
		return nil
	})
	return out, err
}
