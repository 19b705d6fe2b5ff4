package analyzer

import "strings"

// Tokenizer measures text in backend tokens.
type Tokenizer interface {
	Count(text string) int
}

// EstimateTokenizer approximates one token per four bytes of UTF-8, which is
// close enough for chunk sizing against every supported backend.
type EstimateTokenizer struct{}

// Count returns the estimated token count; non-empty text counts at least 1.
func (EstimateTokenizer) Count(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// Chunk is one prospective unit.
type Chunk struct {
	Text          string
	Tokens        int
	OverThreshold bool
}

// Pack greedily groups consecutive statements into chunks of at most
// threshold tokens. A statement that alone exceeds the threshold becomes its
// own over-threshold chunk. Joining the chunk texts reproduces the input.
func Pack(statements []string, tok Tokenizer, threshold int) []Chunk {
	var (
		chunks  []Chunk
		current strings.Builder
		tokens  int
	)
	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, Chunk{Text: current.String(), Tokens: tokens})
			current.Reset()
			tokens = 0
		}
	}

	for _, stmt := range statements {
		n := tok.Count(stmt)
		if n > threshold {
			flush()
			chunks = append(chunks, Chunk{Text: stmt, Tokens: n, OverThreshold: true})
			continue
		}
		if current.Len() > 0 {
			if combined := tok.Count(current.String() + stmt); combined > threshold {
				flush()
			} else {
				current.WriteString(stmt)
				tokens = combined
				continue
			}
		}
		current.WriteString(stmt)
		tokens = n
	}
	flush()
	return chunks
}
