package ledger

import "errors"

var (
	// ErrInitFailed run record 讀取失敗，不可繼續收費
	ErrInitFailed = errors.New("ledger: initialization failed")

	// ErrRecordAppend 已收費但記錄寫入失敗，計數不回滾
	ErrRecordAppend = errors.New("ledger: failed to append charge records")

	ErrNoSource      = errors.New("ledger: no run record source configured")
	ErrNoRecordStore = errors.New("ledger: no record store configured")
)
