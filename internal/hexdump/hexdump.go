// Package hexdump renders raw page bytes for diagnostics, used by
// cmd/yakvdb-bench's dump subcommand.
package hexdump

import (
	"encoding/hex"
	"fmt"
	"io"
)

// BytesPerLine is the number of source bytes rendered per output line.
const BytesPerLine = 16

// Dump writes data to w as offset-prefixed hex lines, BytesPerLine bytes
// each: an 8-digit hex offset, two spaces, then the bytes as one unbroken
// hex string. There is no ASCII column.
func Dump(w io.Writer, data []byte) error {
	for off := 0; off < len(data); off += BytesPerLine {
		end := off + BytesPerLine
		if end > len(data) {
			end = len(data)
		}
		if _, err := fmt.Fprintf(w, "%08x  %s\n", off, hex.EncodeToString(data[off:end])); err != nil {
			return err
		}
	}
	return nil
}
