package providers

import (
	"bufio"
	"io"
	"strings"
)

// ScanSSE reads server-sent events from r and invokes fn with each event's
// data payload. Multi-line data fields are joined with newlines. fn returning
// false stops the scan. Comment lines and unknown fields are skipped.
func ScanSSE(r io.Reader, fn func(data string) bool) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data []string
	flush := func() bool {
		if len(data) == 0 {
			return true
		}
		payload := strings.Join(data, "\n")
		data = data[:0]
		return fn(payload)
	}

	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if !flush() {
				return nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if v, ok := strings.CutPrefix(line, "data:"); ok {
			data = append(data, strings.TrimPrefix(v, " "))
		}
	}
	flush()
	return sc.Err()
}
