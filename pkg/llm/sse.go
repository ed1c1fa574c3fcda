package llm

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

const (
	sseInitialBuffer = 64 * 1024
	sseMaxBuffer     = 8 * 1024 * 1024
)

// readSSE splits an event stream into frames and calls fn with the joined
// data payload of each. Frames without data lines, empty payloads and the
// [DONE] sentinel are skipped. A trailing frame with no blank line after it
// is still delivered. An error from fn stops the read and is returned.
func readSSE(r io.Reader, fn func(data []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, sseInitialBuffer), sseMaxBuffer)

	var lines []string
	flush := func() error {
		if len(lines) == 0 {
			return nil
		}
		data := strings.TrimSpace(strings.Join(lines, "\n"))
		lines = lines[:0]
		if data == "" || data == "[DONE]" {
			return nil
		}
		return fn([]byte(data))
	}

	for scanner.Scan() {
		line := bytes.TrimRight(scanner.Bytes(), "\r")
		if len(line) == 0 {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		if !bytes.HasPrefix(line, []byte("data:")) {
			// event:, id:, retry: and comments carry nothing we use
			continue
		}
		lines = append(lines, strings.TrimSpace(string(line[len("data:"):])))
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flush()
}
