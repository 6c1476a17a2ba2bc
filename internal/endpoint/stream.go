package endpoint

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync/atomic"
)

// TextDeltaSink receives incremental assistant text as it streams in.
// Callback failures are the caller's concern; the reader never inspects a
// sink's return value because there isn't one — sinks are fire-and-forget.
type TextDeltaSink func(chunk string)

// StreamResult is what a completed (or cancelled) stream read produced.
type StreamResult struct {
	Text         string
	FinishReason string
}

// ReadStream consumes a line-oriented server-sent-events body: lines
// beginning with "data:" carry JSON chunks, "data: [DONE]" ends the
// stream, and a cancellation flag is checked before every line read. On
// cancellation it returns *Cancelled with whatever text had already
// accumulated.
func ReadStream(ctx context.Context, body io.Reader, cancelled *atomic.Bool, onDelta TextDeltaSink) (StreamResult, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var accumulator strings.Builder
	finishReason := ""

	for {
		if cancelled != nil && cancelled.Load() {
			return StreamResult{Text: accumulator.String(), FinishReason: finishReason},
				&Cancelled{PartialText: accumulator.String()}
		}
		select {
		case <-ctx.Done():
			return StreamResult{Text: accumulator.String(), FinishReason: finishReason},
				&Cancelled{PartialText: accumulator.String()}
		default:
		}

		if !scanner.Scan() {
			break // EOF (with or without a preceding [DONE]) ends the stream
		}

		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}
		if payload == "" {
			continue
		}

		var chunk struct {
			Choices []json.RawMessage `json:"choices"`
		}
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue // skip unparseable chunks rather than aborting the stream
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta, fr := NormalizeDelta(chunk.Choices[0])
		if fr != "" {
			finishReason = fr
		}
		if delta == "" {
			continue
		}

		accumulator.WriteString(delta)
		if onDelta != nil {
			onDelta(delta)
		}
	}

	return StreamResult{Text: accumulator.String(), FinishReason: finishReason}, nil
}
