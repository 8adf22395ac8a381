package hexrec

import (
	"fmt"
	"strings"
)

// Encode renders data as Intel HEX records of 16 data bytes starting at
// address 0, followed by the end of file record without a trailing newline.
func Encode(data []byte) string {
	var sb strings.Builder
	var base uint32
	for off := 0; off < len(data); off += 16 {
		addr := uint32(off)
		if addr>>16 != base>>16 {
			base = addr &^ 0xFFFF
			writeRecord(&sb, 0, recExtLinearAddr, []byte{byte(base >> 24), byte(base >> 16)})
		}
		end := min(off+16, len(data))
		writeRecord(&sb, uint16(addr), recData, data[off:end])
	}
	sb.WriteString(EndRecord)
	return sb.String()
}

func writeRecord(sb *strings.Builder, addr uint16, typ byte, data []byte) {
	sum := byte(len(data)) + byte(addr>>8) + byte(addr) + typ
	fmt.Fprintf(sb, ":%02X%04X%02X", len(data), addr, typ)
	for _, b := range data {
		fmt.Fprintf(sb, "%02X", b)
		sum += b
	}
	fmt.Fprintf(sb, "%02X\n", -sum)
}
