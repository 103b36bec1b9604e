package collector

import (
	"bufio"
	"bytes"
	"context"
	"io"
)

const maxStreamLine = 1 << 20

// StreamCollector is the daemon variant for line-oriented feeds piped
// into the process: every non-empty line becomes one stream message.
// It runs until the input drains or the context is canceled.
type StreamCollector struct {
	SourceID string
	In       io.Reader
}

func (c *StreamCollector) Source() string { return c.SourceID }

func (c *StreamCollector) Run(ctx context.Context, out func(Message) error) error {
	sc := bufio.NewScanner(c.In)
	sc.Buffer(make([]byte, 0, 64*1024), maxStreamLine)

	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		msg := Message{
			Body: append([]byte(nil), line...),
			Type: TypeStream,
		}
		if err := out(msg); err != nil {
			return err
		}
	}
	return sc.Err()
}
