package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加記錄到日誌檔案（append-only，永不修改或刪除）
// 2. 提供重放功能以恢復系統狀態
// 3. 重新開啟時接續序號，並截掉崩潰時寫到一半的尾巴
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 表示一份 append-only 記錄日誌
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入
	file         FileInterface // WAL 檔案
	path         string        // WAL 檔案路徑
	seq          uint64        // 當前事件序號
	count        int           // 完整事件數
	syncOnAppend bool          // 是否每批追加都強制同步
	closed       bool
	onClose      func() // Opener 用來從註冊表移除
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，掃描取得最後一個事件的 seq 並繼續
- 最後一行若沒有換行（崩潰時寫到一半），截斷到最後一個完整事件
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	info, err := scanLog(file)
	if err != nil {
		file.Close()
		return nil, err
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if info.goodOffset < stat.Size() {
		if err := file.Truncate(info.goodOffset); err != nil {
			file.Close()
			return nil, fmt.Errorf("wal: failed to truncate torn tail: %w", err)
		}
	}

	return &WAL{
		file:         file,
		path:         path,
		seq:          info.lastSeq,
		count:        info.count,
		syncOnAppend: syncOnAppend,
	}, nil
}

// AppendBatch 追加一批記錄到 WAL
//
// 行為：
// - 每筆記錄序號遞增並計算 checksum
// - 整批一次寫入，再同步到磁碟
// - 寫入失敗時序號不前進
func (w *WAL) AppendBatch(ctx context.Context, kind EventKind, records []any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	seq := w.seq
	timestamp := time.Now().UnixMilli()

	for _, record := range records {
		payload, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("wal: failed to marshal %s record: %w", kind, err)
		}
		seq++
		event := Event{
			Seq:       seq,
			Kind:      kind,
			Payload:   payload,
			Timestamp: timestamp,
			Checksum:  CalculateChecksum(kind, seq, payload),
		}
		if err := encoder.Encode(event); err != nil {
			return fmt.Errorf("wal: failed to encode event seq=%d: %w", seq, err)
		}
	}

	if _, err := w.file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("wal: append failed at seq=%d: %w", w.seq+1, err)
	}
	if w.syncOnAppend {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("%w: %v", ErrSyncFailed, err)
		}
	}

	w.seq = seq
	w.count += len(records)
	return nil
}

// Append 追加單筆記錄
func (w *WAL) Append(ctx context.Context, kind EventKind, record any) error {
	return w.AppendBatch(ctx, kind, []any{record})
}

// Replay 重放所有 WAL 事件
//
// 行為：
// - 從頭讀取 WAL 檔案
// - 驗證每個事件的 checksum
// - 呼叫 handler 應用事件
// - 遇到錯誤立即停止
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return replayFile(w.path, handler)
}

// Close 關閉 WAL
//
// 關閉後的實例不可重用。
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	onClose := w.onClose
	syncErr := w.file.Sync()
	closeErr := w.file.Close()
	w.mu.Unlock()

	if onClose != nil {
		onClose()
	}
	if syncErr != nil {
		return fmt.Errorf("%w: %v", ErrSyncFailed, syncErr)
	}
	return closeErr
}

func (w *WAL) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// GetLastSeq 取得當前的事件序號
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Count 回傳日誌中的事件數
func (w *WAL) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Path 取得 WAL 檔案路徑
func (w *WAL) Path() string {
	return w.path
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

type logInfo struct {
	lastSeq    uint64
	goodOffset int64 // 最後一個完整事件結束的位置
	count      int
}

// scanLog 逐行掃描日誌，不呼叫 handler
func scanLog(r io.Reader) (logInfo, error) {
	return readLog(r, nil)
}

func replayFile(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = readLog(file, handler)
	return err
}

// readLog 是 scan 與 replay 的共用實作
//
// 完整的行（以換行結尾）必須能解析且 checksum 正確；
// 沒有換行的最後一段視為崩潰殘留，直接忽略。
func readLog(r io.Reader, handler EventHandler) (logInfo, error) {
	var info logInfo
	reader := bufio.NewReader(r)

	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			var event Event
			if uerr := json.Unmarshal(line, &event); uerr != nil {
				return info, &CorruptionError{Seq: info.lastSeq, Offset: info.goodOffset, Cause: uerr}
			}
			if cerr := VerifyChecksum(event); cerr != nil {
				return info, cerr
			}
			if handler != nil {
				if herr := handler(event); herr != nil {
					return info, herr
				}
			}
			info.lastSeq = event.Seq
			info.goodOffset += int64(len(line))
			info.count++
		}
		if errors.Is(err, io.EOF) {
			return info, nil
		}
		if err != nil {
			return info, err
		}
	}
}
