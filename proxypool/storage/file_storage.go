package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"liuproxy_egress/internal/shared/logger"
	"liuproxy_egress/internal/shared/types"
	"liuproxy_egress/proxypool/model"
)

// Storage 接口定义了身份数据持久化的行为。
type Storage interface {
	Load() ([]*model.Identity, error)
	Save(identities []*model.Identity) error
	Close() error
}

// FileStorage 实现了 Storage 接口，使用 JSON 数组文件进行持久化。
type FileStorage struct {
	filePath string
	mu       sync.RWMutex
}

var _ Storage = (*FileStorage)(nil)

// NewFileStorage 创建一个新的 FileStorage 实例。
func NewFileStorage(filePath string) *FileStorage {
	return &FileStorage{
		filePath: filePath,
	}
}

// Load 从 JSON 文件加载身份列表。文件不存在时返回空列表。
// 格式错误的条目会被记录并跳过，其余条目照常加载。
func (fs *FileStorage) Load() ([]*model.Identity, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	l := logger.WithComponent("ProxyPool/Storage")

	data, err := os.ReadFile(fs.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			l.Info().Str("path", fs.filePath).Msg("Identity file not found, starting with an empty pool.")
			return []*model.Identity{}, nil
		}
		return nil, err
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &types.ConfigurationError{Source: fs.filePath, Reason: "identity file is not a JSON array", Err: err}
	}

	identities := make([]*model.Identity, 0, len(raw))
	for i, entry := range raw {
		id, err := decodeIdentity(entry)
		if err != nil {
			cfgErr := &types.ConfigurationError{Source: fs.filePath, Line: i + 1, Reason: "skipping malformed identity", Err: err}
			l.Warn().Err(cfgErr).Msg("Skipping malformed entry in identity file.")
			continue
		}
		identities = append(identities, id)
	}

	l.Info().Int("count", len(identities)).Msg("Successfully loaded identities from file.")
	return identities, nil
}

// Save 将身份列表按 ID 排序后写回 JSON 文件。
// 先写临时文件再 rename，避免进程中断时留下半个文件。
func (fs *FileStorage) Save(identities []*model.Identity) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	l := logger.WithComponent("ProxyPool/Storage")

	list := make([]*model.Identity, len(identities))
	copy(list, identities)
	sort.Slice(list, func(i, j int) bool {
		return list[i].ID < list[j].ID
	})

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal identities: %w", err)
	}

	if dir := filepath.Dir(fs.filePath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	tmp := fs.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, fs.filePath); err != nil {
		return err
	}

	l.Debug().Int("count", len(list)).Msg("Saved identities to file.")
	return nil
}

func (fs *FileStorage) Close() error { return nil }

// decodeIdentity 解析单条记录并补全缺失的 ID。
func decodeIdentity(entry json.RawMessage) (*model.Identity, error) {
	var id model.Identity
	if err := json.Unmarshal(entry, &id); err != nil {
		return nil, err
	}
	if id.Protocol == "" {
		id.Protocol = model.ProtocolHTTP
	}
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if id.ID == "" {
		id.ID = model.IdentityID(id.Protocol, id.Host, id.Port)
	}
	return &id, nil
}
