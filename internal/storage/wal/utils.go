package wal

// ============================================================================
// WAL 工具函式
// 職責：逐筆掃描日誌、統計、輸出，供恢復流程與 CLI 使用
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"time"
)

// scan reads every complete entry of the file at path in order.
//
// A final record without its trailing newline was never acknowledged by
// Append (crash mid-write). It is reported as torn and not passed to handler.
// Any other unreadable record is corruption.
//
// 回傳：最後一筆完整項目結尾的位移、是否有殘缺尾端
func scan(path string, handler EntryHandler) (good int64, torn bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, err
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	for {
		line, readErr := r.ReadBytes('\n')
		if len(line) > 0 {
			if line[len(line)-1] != '\n' {
				return good, true, nil
			}
			if body := bytes.TrimSpace(line); len(body) > 0 {
				var entry Entry
				if err := json.Unmarshal(body, &entry); err != nil {
					return good, false, &CorruptionError{Offset: good, Cause: err}
				}
				if !VerifyChecksum(entry) {
					return good, false, &ChecksumError{
						Seq:      entry.Seq,
						Expected: CalculateChecksum(entry.Seq, entry.Kind, entry.Incident),
						Actual:   entry.Checksum,
					}
				}
				if handler != nil {
					if err := handler(entry); err != nil {
						return good, false, err
					}
				}
			}
			good += int64(len(line))
		}
		if readErr == io.EOF {
			return good, false, nil
		}
		if readErr != nil {
			return good, false, readErr
		}
	}
}

// GetLastEntry 從日誌檔案讀取最後一筆完整項目；檔案為空時回傳 nil
func GetLastEntry(path string) (*Entry, error) {
	var last *Entry
	_, _, err := scan(path, func(e Entry) error {
		last = &e
		return nil
	})
	return last, err
}

// ReadAll 讀取檔案中所有完整項目（不需開啟 WAL 實例，供離線工具使用）
func ReadAll(path string) ([]Entry, error) {
	var entries []Entry
	_, _, err := scan(path, func(e Entry) error {
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

// Stats 日誌檔案統計
type Stats struct {
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	Entries   int       `json:"entries"`
	Incidents int       `json:"incidents"` // 不重複的事故數
	FirstSeq  uint64    `json:"firstSeq"`
	LastSeq   uint64    `json:"lastSeq"`
	LastWrite time.Time `json:"lastWrite,omitempty"`
	TornTail  bool      `json:"tornTail"`
}

// GetStats 掃描日誌並回傳統計。損毀的檔案回傳錯誤以及損毀前的統計。
func GetStats(path string) (*Stats, error) {
	st := &Stats{Path: path}
	if info, err := os.Stat(path); err == nil {
		st.Size = info.Size()
	}

	seen := make(map[string]struct{})
	_, torn, err := scan(path, func(e Entry) error {
		if st.Entries == 0 {
			st.FirstSeq = e.Seq
		}
		st.Entries++
		st.LastSeq = e.Seq
		st.LastWrite = time.UnixMilli(e.Timestamp)

		var head struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(e.Incident, &head) == nil {
			seen[head.ID] = struct{}{}
		}
		return nil
	})
	st.Incidents = len(seen)
	st.TornTail = torn
	return st, err
}
