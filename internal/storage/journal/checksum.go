package journal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證日誌事件的 CRC32 校驗和
// ============================================================================

import (
	"hash/crc32"
	"strconv"
	"strings"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 演算法：
// - 將事件的關鍵欄位以 '|' 串接
// - 使用 CRC32-IEEE 多項式計算
//
// 不包含 Timestamp 與 Checksum 本身
func CalculateChecksum(e Event) uint32 {
	var b strings.Builder
	b.Grow(64)
	b.WriteString(strconv.FormatUint(e.Seq, 10))
	b.WriteByte('|')
	b.WriteString(string(e.Type))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(e.Slot))
	b.WriteByte('|')
	b.WriteString(string(e.WorkerID))
	b.WriteByte('|')
	b.WriteString(strconv.FormatUint(uint64(e.ClockSec), 10))
	b.WriteByte('|')
	b.WriteString(strconv.FormatUint(uint64(e.ClockNanos), 10))
	b.WriteByte('|')
	b.WriteString(strconv.FormatBool(e.Continue))
	b.WriteByte('|')
	b.WriteString(e.Detail)

	return crc32.ChecksumIEEE([]byte(b.String()))
}

// VerifyChecksum 驗證事件的校驗和是否正確
//
// 回傳：
//
//	error - 不一致時為 *ChecksumError
func VerifyChecksum(e Event) error {
	expected := CalculateChecksum(e)
	if e.Checksum != expected {
		return &ChecksumError{Seq: e.Seq, Expected: expected, Actual: e.Checksum}
	}
	return nil
}
