package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證日誌項目的 CRC32 校驗和
// ============================================================================

import (
	"hash/crc32"
	"strconv"
)

// CalculateChecksum 計算項目的 CRC32 校驗和
//
// 範圍：Seq + Kind + 事故 JSON 原文。不包含 Timestamp。
func CalculateChecksum(seq uint64, kind string, incident []byte) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(strconv.FormatUint(seq, 10)))
	h.Write([]byte(kind))
	h.Write(incident)
	return h.Sum32()
}

// VerifyChecksum 驗證項目的校驗和是否正確
func VerifyChecksum(entry Entry) bool {
	return entry.Checksum == CalculateChecksum(entry.Seq, entry.Kind, entry.Incident)
}
