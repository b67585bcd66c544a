package proxy

import (
	"bufio"
	"bytes"
	"encoding/json"
	"time"
)

// ResponseEnvelope is the tagged result of parsing a backend's response
// body, NonStream or Stream depending on how it was forwarded. Parsing is
// best-effort: a field left at zero means it could not be recovered from
// the body, never that forwarding failed.
type ResponseEnvelope struct {
	Streaming bool
	NonStream NonStreamEnvelope
	Stream    StreamEnvelope
}

type NonStreamEnvelope struct {
	TokensGenerated int64
	TokensPrompt    int64
	Raw             json.RawMessage
}

type StreamEnvelope struct {
	TokensGenerated   int64
	TokensPrompt      int64
	TTFT              time.Duration
	StreamingDuration time.Duration
	Chunks            int
}

// tokenFields is the subset of common inference wire formats' fields this
// scanner recognises. Every backend speaks a slightly different dialect
// (Ollama's "eval_count"/"prompt_eval_count", OpenAI-compatible's "usage"
// object) so recognition is additive: whichever fields are present, are
// used, and nothing else is required to be.
type tokenFields struct {
	EvalCount       int64 `json:"eval_count"`
	PromptEvalCount int64 `json:"prompt_eval_count"`
	Usage           *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

func (t tokenFields) generated() int64 {
	if t.Usage != nil && t.Usage.CompletionTokens > 0 {
		return t.Usage.CompletionTokens
	}
	return t.EvalCount
}

func (t tokenFields) prompt() int64 {
	if t.Usage != nil && t.Usage.PromptTokens > 0 {
		return t.Usage.PromptTokens
	}
	return t.PromptEvalCount
}

// parseNonStream best-effort decodes a fully-buffered response body.
// A malformed body just yields a zero-valued envelope; it is never an
// error, the bytes were already written to the client.
func parseNonStream(body []byte) NonStreamEnvelope {
	var tf tokenFields
	_ = json.Unmarshal(body, &tf)
	return NonStreamEnvelope{
		TokensGenerated: tf.generated(),
		TokensPrompt:    tf.prompt(),
		Raw:             json.RawMessage(body),
	}
}

// streamScanner watches a newline-delimited-JSON (or SSE "data: " framed)
// stream as it is copied through to the client, opportunistically
// recovering token counts and time-to-first-token without ever blocking
// or altering the byte passthrough — scan errors are swallowed.
type streamScanner struct {
	start     time.Time
	firstByte time.Time
	gotFirst  bool
	chunks    int
	generated int64
	prompt    int64
}

func newStreamScanner() *streamScanner {
	return &streamScanner{start: time.Now()}
}

// observe is called with each chunk as it is written to the client.
func (s *streamScanner) observe(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	if !s.gotFirst {
		s.firstByte = time.Now()
		s.gotFirst = true
	}
	s.chunks++

	scanner := bufio.NewScanner(bytes.NewReader(chunk))
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		line = bytes.TrimPrefix(line, []byte("data:"))
		line = bytes.TrimSpace(line)
		if len(line) == 0 || bytes.Equal(line, []byte("[DONE]")) {
			continue
		}
		var tf tokenFields
		if err := json.Unmarshal(line, &tf); err != nil {
			continue
		}
		if g := tf.generated(); g > 0 {
			s.generated = g
		}
		if p := tf.prompt(); p > 0 {
			s.prompt = p
		}
	}
}

func (s *streamScanner) result() StreamEnvelope {
	env := StreamEnvelope{
		TokensGenerated:   s.generated,
		TokensPrompt:      s.prompt,
		StreamingDuration: time.Since(s.start),
		Chunks:            s.chunks,
	}
	if s.gotFirst {
		env.TTFT = s.firstByte.Sub(s.start)
	}
	return env
}
