package email

import (
	"bufio"
	"bytes"

	"github.com/emersion/go-message/textproto"
)

// parseHeaderFields parses a raw header block into a map keyed by lower-cased
// field name. Values are kept raw (unfolded, not decoded). A repeated field
// keeps the value textproto.Header.Get reports for it.
func parseHeaderFields(raw []byte) map[string]string {
	if !bytes.HasSuffix(raw, []byte("\r\n\r\n")) && !bytes.HasSuffix(raw, []byte("\n\n")) {
		raw = append(append([]byte{}, raw...), "\r\n\r\n"...)
	}

	fields := map[string]string{}
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return fields
	}
	for f := h.Fields(); f.Next(); {
		key := lowerASCII(f.Key())
		if _, ok := fields[key]; ok {
			continue
		}
		fields[key] = h.Get(f.Key())
	}
	return fields
}
