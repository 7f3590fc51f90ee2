package wal

// ============================================================================
// WAL 工具函式
// 職責：提供 WAL 相關的輔助功能（status / dump 指令使用）
// ============================================================================

import (
	"fmt"
	"io"
	"time"
)

// GetLastEvent 從 WAL 檔案讀取最後一個完整事件
//
// 檔案為空時回傳 ErrEmptyWAL
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := replayFile(path, func(event Event) error {
		e := event
		last = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 計算 WAL 中的事件總數
func CountEvents(path string) (int, error) {
	count := 0
	err := replayFile(path, func(Event) error {
		count++
		return nil
	})
	return count, err
}

// ValidateWAL 驗證 WAL 檔案的完整性
//
// 檢查項目：
// - 所有完整行的 JSON 格式正確
// - 所有事件的校驗和正確
// - seq 從 1 開始連續且無重複
func ValidateWAL(path string) error {
	var lastSeq uint64
	return replayFile(path, func(event Event) error {
		if event.Seq != lastSeq+1 {
			return fmt.Errorf("%w: got seq=%d after seq=%d", ErrSeqGap, event.Seq, lastSeq)
		}
		lastSeq = event.Seq
		return nil
	})
}

// DumpWAL 輸出 WAL 內容（人類可讀格式）
//
//	[Seq:1] CHARGE at 2024-01-01T00:00:00Z (checksum:0x12345678) {"event_id":...}
func DumpWAL(path string, w io.Writer) error {
	return replayFile(path, func(event Event) error {
		_, err := fmt.Fprintf(w, "[Seq:%d] %s at %s (checksum:0x%08x) %s\n",
			event.Seq,
			event.Kind,
			time.UnixMilli(event.Timestamp).UTC().Format(time.RFC3339),
			event.Checksum,
			event.Payload)
		return err
	})
}

// WALStats WAL 統計資訊
type WALStats struct {
	TotalEvents int               // 總事件數
	EventKinds  map[EventKind]int // 各類型事件計數
	FirstSeq    uint64            // 第一個事件的 seq
	LastSeq     uint64            // 最後一個事件的 seq
	TimeRange   [2]int64          // 時間範圍 [最早, 最晚]
}

// GetWALStats 取得 WAL 的統計資訊
func GetWALStats(path string) (*WALStats, error) {
	stats := &WALStats{EventKinds: make(map[EventKind]int)}
	err := replayFile(path, func(event Event) error {
		if stats.TotalEvents == 0 {
			stats.FirstSeq = event.Seq
			stats.TimeRange[0] = event.Timestamp
		}
		stats.TotalEvents++
		stats.EventKinds[event.Kind]++
		stats.LastSeq = event.Seq
		if event.Timestamp < stats.TimeRange[0] {
			stats.TimeRange[0] = event.Timestamp
		}
		if event.Timestamp > stats.TimeRange[1] {
			stats.TimeRange[1] = event.Timestamp
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
