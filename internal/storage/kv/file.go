package kv

// ============================================================================
// 職責說明：
// 1. 將所有鍵值序列化為單一 JSON 檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// ============================================================================

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const fileSchemaVersion = 1

// fileData 檔案內容格式
type fileData struct {
	SchemaVer int               `json:"schema_ver"`
	Values    map[string][]byte `json:"values"`
}

// FileStore 以單一 JSON 檔實作的 Store
type FileStore struct {
	path string     // 檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// NewFileStore 建立檔案型鍵值儲存，檔案在第一次 Set 時才會建立
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Get 讀取鍵值
func (s *FileStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadLocked()
	if err != nil {
		return nil, false, err
	}
	v, ok := data.Values[key]
	return v, ok, nil
}

// Set 原子性寫入鍵值
//
// 流程：
//  1. 讀取現有內容
//  2. 寫入臨時檔案（.tmp）
//  3. 使用 os.Rename 原子性替換原始檔案
func (s *FileStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadLocked()
	if err != nil {
		return err
	}
	data.Values[key] = value

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("kv: failed to marshal store: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("kv: failed to create store dir: %w", err)
		}
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("kv: failed to write temp store: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		// 重新命名失敗，清理臨時檔案
		os.Remove(tmpPath)
		return fmt.Errorf("kv: failed to rename store: %w", err)
	}
	return nil
}

// Close 檔案型儲存不持有資源
func (s *FileStore) Close() error {
	return nil
}

// Path 取得檔案路徑（用於測試與除錯）
func (s *FileStore) Path() string {
	return s.path
}

// loadLocked 假設呼叫者已持有 s.mu
func (s *FileStore) loadLocked() (fileData, error) {
	data := fileData{SchemaVer: fileSchemaVersion, Values: make(map[string][]byte)}

	jsonBytes, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			// 首次啟動，回傳空內容
			return data, nil
		}
		return data, fmt.Errorf("kv: failed to read store: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedStore, err)
	}
	if data.SchemaVer != fileSchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, fileSchemaVersion)
	}
	if data.Values == nil {
		data.Values = make(map[string][]byte)
	}
	return data, nil
}
