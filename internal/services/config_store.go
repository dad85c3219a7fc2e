package services

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"

	"github.com/markdave123-py/contextai/internal/core"
	"github.com/markdave123-py/contextai/internal/models"
)

// Record is the persisted config as top-level JSON fields. Fields this
// service does not know about survive a merge untouched.
type Record map[string]json.RawMessage

// DecodeRecord parses stored bytes. Nil input means the record was never
// written and yields a nil Record.
func DecodeRecord(b []byte) (Record, error) {
	if b == nil {
		return nil, nil
	}
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decode config record: %w", err)
	}
	if r == nil {
		r = Record{}
	}
	return r, nil
}

// MergeRecords overlays patch on base at the top level only. Nested values
// such as chatDimensions are replaced wholesale. Neither input is modified.
func MergeRecords(base, patch Record) Record {
	out := make(Record, len(base)+len(patch))
	maps.Copy(out, base)
	maps.Copy(out, patch)
	return out
}

// Config decodes the record into the typed aggregate. Duplicate chat ids in
// chat_history keep their first occurrence.
func (r Record) Config() (models.Config, error) {
	var cfg models.Config
	if r == nil {
		return cfg, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	cfg.ChatHistory = dedupeChats(cfg.ChatHistory)
	return cfg, nil
}

func dedupeChats(chats []models.Chat) []models.Chat {
	if chats == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(chats))
	out := make([]models.Chat, 0, len(chats))
	for _, c := range chats {
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	return out
}

// ConfigPatch names the fields a write replaces. Nil fields are left as
// they are in the stored record.
type ConfigPatch struct {
	GeminiAPIKey     *string
	GeminiModel      *string
	ExtensionEnabled *bool
	Theme            *string
	ChatDimensions   *models.ChatDimensions
	ChatHistory      *[]models.Chat
	CurrentChatID    *string
}

func (p ConfigPatch) Record() (Record, error) {
	r := Record{}
	put := func(name string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", name, err)
		}
		r[name] = b
		return nil
	}

	var err error
	set := func(name string, v any) {
		if err == nil {
			err = put(name, v)
		}
	}
	if p.GeminiAPIKey != nil {
		set("geminiApiKey", *p.GeminiAPIKey)
	}
	if p.GeminiModel != nil {
		set("geminiModel", *p.GeminiModel)
	}
	if p.ExtensionEnabled != nil {
		set("extensionEnabled", *p.ExtensionEnabled)
	}
	if p.Theme != nil {
		set("theme", *p.Theme)
	}
	if p.ChatDimensions != nil {
		set("chatDimensions", *p.ChatDimensions)
	}
	if p.ChatHistory != nil {
		h := *p.ChatHistory
		if h == nil {
			h = []models.Chat{}
		}
		set("chat_history", h)
	}
	if p.CurrentChatID != nil {
		set("current_chat_id", *p.CurrentChatID)
	}
	return r, err
}

// ConfigChange is a decoded storage notification. Old is nil when the
// record did not exist before the write.
type ConfigChange struct {
	Old *models.Config
	New models.Config
}

// ConfigStore reads and writes the shared "config" record. Writes fetch the
// whole record, merge and replace it; there is no compare-and-swap, so two
// writers racing between fetch and replace lose one side's fields.
type ConfigStore struct {
	kv  core.KVStore
	key string
}

func NewConfigStore(kv core.KVStore) *ConfigStore {
	return &ConfigStore{kv: kv, key: models.ConfigKey}
}

func (s *ConfigStore) fetch(ctx context.Context) (Record, error) {
	b, err := s.kv.Get(ctx, s.key)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", s.key, err)
	}
	return DecodeRecord(b)
}

// Get returns the last persisted snapshot, or an empty Config if the
// record was never written.
func (s *ConfigStore) Get(ctx context.Context) (models.Config, error) {
	cfg, _, err := s.Lookup(ctx)
	return cfg, err
}

// Lookup is Get that also reports whether the record exists.
func (s *ConfigStore) Lookup(ctx context.Context) (models.Config, bool, error) {
	r, err := s.fetch(ctx)
	if err != nil {
		return models.Config{}, false, err
	}
	cfg, err := r.Config()
	return cfg, r != nil, err
}

// Set merges patch into the stored record and returns the record as written.
func (s *ConfigStore) Set(ctx context.Context, patch ConfigPatch) (models.Config, error) {
	base, err := s.fetch(ctx)
	if err != nil {
		return models.Config{}, err
	}
	pr, err := patch.Record()
	if err != nil {
		return models.Config{}, err
	}
	merged := MergeRecords(base, pr)

	b, err := json.Marshal(merged)
	if err != nil {
		return models.Config{}, fmt.Errorf("encode config record: %w", err)
	}
	if err := s.kv.Set(ctx, s.key, b); err != nil {
		return models.Config{}, fmt.Errorf("set %s: %w", s.key, err)
	}
	return merged.Config()
}

// Watch decodes every storage notification for the record. Undecodable
// values are skipped.
func (s *ConfigStore) Watch(ctx context.Context) (<-chan ConfigChange, error) {
	in, err := s.kv.Watch(ctx, s.key)
	if err != nil {
		return nil, err
	}
	out := make(chan ConfigChange, 16)
	go func() {
		defer close(out)
		for c := range in {
			change, err := decodeChange(c)
			if err != nil {
				logStorageError("decode change", err)
				continue
			}
			select {
			case out <- change:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func decodeChange(c core.Change) (ConfigChange, error) {
	var change ConfigChange
	nr, err := DecodeRecord(c.New)
	if err != nil {
		return change, err
	}
	if change.New, err = nr.Config(); err != nil {
		return change, err
	}
	if c.Old != nil {
		or, err := DecodeRecord(c.Old)
		if err != nil {
			return change, err
		}
		old, err := or.Config()
		if err != nil {
			return change, err
		}
		change.Old = &old
	}
	return change, nil
}
