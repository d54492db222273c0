package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 每次事故狀態變更後追加完整事故狀態（append-only JSON lines）
// 2. 提供重放功能，在最新快照之上恢復快照後的變更
// 3. 快照完成後壓縮（只保留快照未涵蓋的項目）
// 4. 確保寫入持久性與資料完整性（CRC32 + 可選 fsync）
//
// 與快照的配合：
//   seq := wal.LastSeq()         // 先取序號
//   data := registry.Snapshot()  // 再取快照，seq 以前的變更都已包含在內
//   snapshot.Write(data)
//   wal.Compact(seq)             // 丟棄 <= seq 的項目
//
// 恢復：載入快照，依序重放所有項目（同一事故以最後一筆為準），再 Restore。
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/roadguard/pkg/types"
)

var log = slog.Default()

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入
	file         *os.File      // WAL 檔案
	writer       *bufio.Writer // 每筆項目寫完即 Flush
	path         string        // WAL 檔案路徑
	seq          uint64        // 當前項目序號
	syncOnAppend bool          // 是否每次追加都強制同步
	closed       bool
}

// ============================================================================
// 公開介面
// ============================================================================

/*
Open 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一筆項目的 seq 並繼續
- 殘缺的尾端（寫入途中崩潰）會被截斷
- 中段損毀回傳錯誤，不會覆寫檔案
*/
func Open(path string, syncOnAppend bool) (*WAL, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("wal: create directory: %w", err)
		}
	}

	var seq uint64
	good, torn, err := scan(path, func(e Entry) error {
		seq = e.Seq
		return nil
	})
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	if torn {
		log.Warn("Truncating torn WAL tail", "path", path, "offset", good)
		if err := file.Truncate(good); err != nil {
			file.Close()
			return nil, fmt.Errorf("wal: truncate torn tail: %w", err)
		}
	}

	return &WAL{
		file:         file,
		writer:       bufio.NewWriter(file),
		path:         path,
		seq:          seq,
		syncOnAppend: syncOnAppend,
	}, nil
}

// Record journals the state of inc after a change of the given kind.
func (w *WAL) Record(kind string, inc *types.Incident) error {
	_, err := w.Append(kind, inc)
	return err
}

// Append 追加一筆項目，回傳其序號
//
// 行為：
// - 自動遞增 seq
// - 計算 checksum
// - 寫入檔案（syncOnAppend 時同步到磁碟）
func (w *WAL) Append(kind string, inc *types.Incident) (uint64, error) {
	raw, err := json.Marshal(inc)
	if err != nil {
		return 0, fmt.Errorf("wal: encode incident: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrWALClosed
	}

	seq := w.seq + 1
	entry := Entry{
		Seq:       seq,
		Kind:      kind,
		Timestamp: time.Now().UnixMilli(),
		Incident:  raw,
		Checksum:  CalculateChecksum(seq, kind, raw),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("wal: encode entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := w.writer.Write(line); err != nil {
		return 0, err
	}
	if err := w.writer.Flush(); err != nil {
		return 0, err
	}
	if w.syncOnAppend {
		if err := w.file.Sync(); err != nil {
			return 0, fmt.Errorf("wal: sync: %w", err)
		}
	}
	w.seq = seq
	return seq, nil
}

// Replay 依序重放所有 WAL 項目
//
// 行為：
// - 從頭讀取 WAL 檔案
// - 驗證每筆項目的 checksum
// - 呼叫 handler 應用項目，遇到錯誤立即停止
func (w *WAL) Replay(handler EntryHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	if err := w.writer.Flush(); err != nil {
		return err
	}
	_, _, err := scan(w.path, handler)
	return err
}

// ReplayInto applies every entry onto data, the last entry of an incident
// winning. It returns the number of entries applied.
func (w *WAL) ReplayInto(data *types.SnapshotData) (int, error) {
	if data.Incidents == nil {
		data.Incidents = make(map[types.IncidentID]*types.Incident)
	}
	n := 0
	err := w.Replay(func(e Entry) error {
		inc, err := e.Decode()
		if err != nil {
			return err
		}
		data.Incidents[inc.ID] = inc
		n++
		return nil
	})
	return n, err
}

// Compact 壓縮日誌：丟棄 seq <= upTo 的項目（已由快照涵蓋）
//
// 以臨時檔 + rename 原子替換，之後的追加寫入新檔案。序號不重置。
func (w *WAL) Compact(upTo uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	if err := w.writer.Flush(); err != nil {
		return err
	}

	tmpPath := w.path + ".tmp"
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(tmp)
	kept := 0
	_, _, err = scan(w.path, func(e Entry) error {
		if e.Seq <= upTo {
			return nil
		}
		line, err := json.Marshal(e)
		if err != nil {
			return err
		}
		kept++
		_, err = bw.Write(append(line, '\n'))
		return err
	})
	if err == nil {
		err = bw.Flush()
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("wal: compact: %w", err)
	}

	if err := w.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		return err
	}
	file, err := os.OpenFile(w.path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		w.closed = true
		return fmt.Errorf("wal: reopen after compact: %w", err)
	}
	w.file = file
	w.writer = bufio.NewWriter(file)

	log.Debug("WAL compacted", "upTo", upTo, "kept", kept)
	return nil
}

// Close 關閉 WAL。關閉後的實例不可再用。
func (w *WAL) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.writer.Flush(); err != nil {
		w.file.Close()
		return err
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// LastSeq 取得當前的項目序號
//
// 用途：快照前記錄 last seq，快照完成後據此壓縮
func (w *WAL) LastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path 回傳日誌檔案路徑
func (w *WAL) Path() string {
	return w.path
}
