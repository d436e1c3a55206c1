package push

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// ReadStream decodes a text/event-stream body and hands every event to h
// until the stream ends or ctx is cancelled.
//
// Only "data:" fields are interpreted; multi-line data is joined with "\n"
// as the event-stream format requires. Comment lines (keep-alives) and the
// "event:"/"id:" fields are skipped since the envelope carries the same
// information.
func ReadStream(ctx context.Context, r io.Reader, h Handler) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var data []string
	flush := func() error {
		if len(data) == 0 {
			return nil
		}
		ev, err := Decode([]byte(strings.Join(data, "\n")))
		data = data[:0]
		if err != nil {
			return err
		}
		h(ev)
		return nil
	}

	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := sc.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return flush()
}
