package docker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// streamMessage is one line of the JSON progress stream returned by pull and build.
type streamMessage struct {
	Stream      string `json:"stream"`
	Status      string `json:"status"`
	ID          string `json:"id"`
	Error       string `json:"error"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
}

func (m streamMessage) errorMessage() string {
	if msg := strings.TrimSpace(m.Error); msg != "" {
		return msg
	}
	return strings.TrimSpace(m.ErrorDetail.Message)
}

func (m streamMessage) render() string {
	if s := strings.TrimSpace(m.Stream); s != "" {
		return s
	}
	if m.ID != "" {
		return strings.TrimSpace(m.ID + " " + m.Status)
	}
	return strings.TrimSpace(m.Status)
}

// drainStream consumes a progress stream and returns the first error it reports.
func drainStream(r io.Reader, onLine func(string)) error {
	decoder := json.NewDecoder(r)
	for {
		var msg streamMessage
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode progress stream: %w", err)
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			return errors.New(errMsg)
		}
		if line := msg.render(); line != "" && onLine != nil {
			onLine(line)
		}
	}
}

// tailBuffer keeps the last limit bytes written to it. Older output is
// dropped up to the next line boundary.
type tailBuffer struct {
	buf       []byte
	limit     int
	truncated bool
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if len(b.buf) > 2*b.limit {
		b.trim()
	}
	return len(p), nil
}

func (b *tailBuffer) trim() {
	if len(b.buf) <= b.limit {
		return
	}
	b.buf = append(b.buf[:0], b.buf[len(b.buf)-b.limit:]...)
	b.truncated = true
}

func (b *tailBuffer) String() string {
	b.trim()
	if !b.truncated {
		return string(b.buf)
	}
	out := b.buf
	if i := bytes.IndexByte(out, '\n'); i >= 0 && i < len(out)-1 {
		out = out[i+1:]
	}
	return "...(truncated)\n" + string(out)
}
