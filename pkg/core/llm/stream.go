package llm

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// tokenStream implements TokenStream over an OpenAI SSE response body.
type tokenStream struct {
	reader   *bufio.Reader
	closer   io.Closer
	err      error
	finished bool
}

// chatChunk is the OpenAI streaming chunk format, reduced to the fields
// the relay consumes.
type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
}

func newTokenStream(body io.ReadCloser) *tokenStream {
	return &tokenStream{
		reader: bufio.NewReader(body),
		closer: body,
	}
}

// Next returns the next non-empty content delta. Returns "", io.EOF
// when the stream is complete.
func (s *tokenStream) Next() (string, error) {
	if s.err != nil {
		return "", s.err
	}
	if s.finished {
		return "", io.EOF
	}

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				s.finished = true
				return "", io.EOF
			}
			s.err = err
			return "", err
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			s.finished = true
			return "", io.EOF
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Malformed chunks are skipped; the terminal [DONE] or EOF
			// still ends the stream.
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if token := chunk.Choices[0].Delta.Content; token != "" {
			return token, nil
		}
		if chunk.Choices[0].FinishReason != "" {
			s.finished = true
			return "", io.EOF
		}
	}
}

func (s *tokenStream) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
