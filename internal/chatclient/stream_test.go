package chatclient

import (
	"testing"

	"github.com/google/uuid"
)

const sampleMetadataLine = `{"__metadata":{"usage":{"prompt_tokens":12,"completion_tokens":8,"total_tokens":20},"request_id":"6f1c2a44-9b7e-4d7f-8f3a-0e5d9c1b2a33","completion_id":"gen-abc","model":"test-model","elapsed_ms":480,"content_type":"markdown"}}`

func feedAll(parser *streamParser, chunks []string) (string, *StreamMetadata) {
	var content string
	for _, chunk := range chunks {
		content += parser.Feed(chunk)
	}
	rest, meta := parser.Close()
	return content + rest, meta
}

func TestStreamParserSeparatesContentAndMetadata(t *testing.T) {
	tests := []struct {
		name    string
		chunks  []string
		content string
	}{
		{
			name:    "single chunk",
			chunks:  []string{"Hello world\n\n" + sampleMetadataLine + "\n"},
			content: "Hello world\n",
		},
		{
			name: "metadata split across chunks",
			chunks: []string{
				"Hello ", "world\n\n", `{"__met`, `adata":{"usage":{"prompt_tokens":12,"completion_tokens":8,"total_tokens":20},"request_id":"6f1c2a44-9b7e-4d7f-8f3a-0e5d9c1b2a33","elapsed_ms":480}}`, "\n",
			},
			content: "Hello world\n",
		},
		{
			name:    "metadata without trailing newline",
			chunks:  []string{"answer\n\n", sampleMetadataLine},
			content: "answer\n",
		},
		{
			name: "sentinel inside a content line is not metadata",
			chunks: []string{
				"the key __metadata marks the record\n\n",
				sampleMetadataLine + "\n",
			},
			content: "the key __metadata marks the record\n",
		},
		{
			name: "json content line without sentinel passes through",
			chunks: []string{
				`{"example": true}` + "\n\n" + sampleMetadataLine + "\n",
			},
			content: `{"example": true}` + "\n",
		},
		{
			name:    "multiline content with blank lines",
			chunks:  []string{"line one\n", "\nline three\n", "\n", sampleMetadataLine, "\n"},
			content: "line one\n\nline three\n",
		},
		{
			name:    "content without trailing newline round-trips exactly",
			chunks:  []string{"no closing newline", "\n", sampleMetadataLine, "\n"},
			content: "no closing newline",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			content, meta := feedAll(&streamParser{}, tc.chunks)
			if content != tc.content {
				t.Errorf("content = %q, want %q", content, tc.content)
			}
			if meta == nil {
				t.Fatal("no metadata parsed")
			}
			if meta.Usage.TotalTokens != 20 {
				t.Errorf("total tokens = %d, want 20", meta.Usage.TotalTokens)
			}
			want := uuid.MustParse("6f1c2a44-9b7e-4d7f-8f3a-0e5d9c1b2a33")
			if meta.RequestID != want {
				t.Errorf("request id = %s, want %s", meta.RequestID, want)
			}
		})
	}
}

func TestStreamParserEmitsPartialLinesEagerly(t *testing.T) {
	parser := &streamParser{}
	// A partial line that cannot grow into the metadata record must be
	// flushed right away, not held until the next newline.
	if got := parser.Feed("stream me now"); got != "stream me now" {
		t.Errorf("partial content withheld: %q", got)
	}
	// A partial line that is still a valid sentinel prefix is withheld.
	if got := parser.Feed(`{"__me`); got != "" {
		t.Errorf("potential metadata leaked: %q", got)
	}
	// Once it stops matching the sentinel it is flushed.
	if got := parser.Feed("rry christmas"); got != `{"__merry christmas` {
		t.Errorf("disproven metadata prefix = %q", got)
	}
}

func TestStreamParserMidStreamError(t *testing.T) {
	chunks := []string{
		"partial answ",
		"er\n\n",
		`{"__metadata":{"usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0},"elapsed_ms":120,"error":"upstream connection reset"}}` + "\n",
	}
	content, meta := feedAll(&streamParser{}, chunks)
	if content != "partial answer\n" {
		t.Errorf("content = %q", content)
	}
	if meta == nil || meta.Error != "upstream connection reset" {
		t.Fatalf("meta = %+v, want mid-stream error", meta)
	}
}

func TestStreamParserNoMetadata(t *testing.T) {
	parser := &streamParser{}
	content := parser.Feed("just content, connection died")
	rest, meta := parser.Close()
	if meta != nil {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
	if content+rest != "just content, connection died" {
		t.Errorf("content = %q", content+rest)
	}
}

func TestStreamParserKeepsRealTrailingNewline(t *testing.T) {
	// A newline is only dropped when it turns out to frame the metadata
	// record; if the stream dies after it, it was content.
	parser := &streamParser{}
	content := parser.Feed("cut off here\n")
	rest, meta := parser.Close()
	if meta != nil {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
	if content+rest != "cut off here\n" {
		t.Errorf("content = %q, want trailing newline kept", content+rest)
	}
}

func TestStreamParserIgnoresInputAfterMetadata(t *testing.T) {
	parser := &streamParser{}
	parser.Feed("hi\n\n" + sampleMetadataLine + "\n")
	if got := parser.Feed("trailing garbage\n"); got != "" {
		t.Errorf("content after metadata = %q, want none", got)
	}
	if _, meta := parser.Close(); meta == nil {
		t.Fatal("metadata lost")
	}
}
