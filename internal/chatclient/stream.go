package chatclient

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// metadataSentinel is the top-level key that marks the trailing metadata
// record on a streamed completion. Everything before that record is raw
// model output.
const metadataSentinel = "__metadata"

var metadataPrefix = `{"` + metadataSentinel + `"`

// StreamMetadata is the structured record appended after the streamed
// content. On upstream mid-stream failure only Error is populated.
type StreamMetadata struct {
	Usage        Usage     `json:"usage"`
	RequestID    uuid.UUID `json:"request_id"`
	CompletionID string    `json:"completion_id,omitempty"`
	Model        string    `json:"model,omitempty"`
	ElapsedMs    int64     `json:"elapsed_ms"`
	ContentType  string    `json:"content_type,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// streamParser separates raw content from the trailing metadata record.
// Chunks arrive at arbitrary byte boundaries, so a line that might turn
// out to be the metadata record is held back until it is complete; any
// partial line that provably cannot be metadata is flushed immediately so
// content keeps rendering as it streams.
//
// The server frames the metadata record with a "\n" separator whether or
// not the content itself ends in a newline. Each newline is therefore held
// back until the next line proves it was content and not the separator, so
// the reassembled content matches what the model wrote byte for byte.
type streamParser struct {
	buf       string
	pendingNL bool
	meta      *StreamMetadata
}

// Feed consumes one network chunk and returns the content that is safe to
// display now. Once the metadata record has been parsed, further input is
// ignored.
func (p *streamParser) Feed(chunk string) string {
	if p.meta != nil {
		return ""
	}
	p.buf += chunk

	var out strings.Builder
	for {
		nl := strings.IndexByte(p.buf, '\n')
		if nl < 0 {
			break
		}
		line := p.buf[:nl]
		p.buf = p.buf[nl+1:]
		if meta := parseMetadataLine(line); meta != nil {
			// The held-back newline was the separator, not content.
			p.meta = meta
			p.buf = ""
			p.pendingNL = false
			return out.String()
		}
		if p.pendingNL {
			out.WriteByte('\n')
		}
		out.WriteString(line)
		p.pendingNL = true
	}

	// The trailing partial line is only withheld while it could still
	// grow into the metadata record.
	if p.buf != "" && !couldBeMetadata(p.buf) {
		if p.pendingNL {
			out.WriteByte('\n')
			p.pendingNL = false
		}
		out.WriteString(p.buf)
		p.buf = ""
	}
	return out.String()
}

// Close flushes whatever remains at end of stream. A final line without a
// trailing newline is still recognized as metadata; anything else is
// returned as content.
func (p *streamParser) Close() (string, *StreamMetadata) {
	if p.meta != nil {
		return "", p.meta
	}
	if p.buf == "" {
		if p.pendingNL {
			p.pendingNL = false
			return "\n", nil
		}
		return "", nil
	}
	if meta := parseMetadataLine(p.buf); meta != nil {
		p.meta = meta
		p.buf = ""
		p.pendingNL = false
		return "", meta
	}
	rest := p.buf
	if p.pendingNL {
		rest = "\n" + rest
		p.pendingNL = false
	}
	p.buf = ""
	return rest, nil
}

func couldBeMetadata(partial string) bool {
	if len(partial) < len(metadataPrefix) {
		return strings.HasPrefix(metadataPrefix, partial)
	}
	return strings.HasPrefix(partial, metadataPrefix)
}

func parseMetadataLine(line string) *StreamMetadata {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, metadataPrefix) {
		return nil
	}
	var record map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil
	}
	raw, ok := record[metadataSentinel]
	if !ok {
		return nil
	}
	var meta StreamMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil
	}
	return &meta
}
