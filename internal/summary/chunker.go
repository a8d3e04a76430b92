package summary

import (
	"log"
	"strings"
	"unicode/utf8"
)

// estimateTokens approximates the tokenizer count; four bytes per token is
// close enough for BART-class budget checks.
func estimateTokens(text string) int {
	return len(text) / 4
}

// truncateToBudget cuts text so its token estimate fits the budget, at a rune
// boundary.
func truncateToBudget(text string, budget int) string {
	limit := budget * 4
	if len(text) <= limit {
		return text
	}
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return text[:limit]
}

// splitSentences breaks text at terminal punctuation followed by whitespace.
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '.', '!', '?':
			j := i + 1
			for j < len(runes) && (runes[j] == '.' || runes[j] == '!' || runes[j] == '?') {
				j++
			}
			if j >= len(runes) || runes[j] == ' ' || runes[j] == '\n' || runes[j] == '\t' {
				s := strings.TrimSpace(string(runes[start:j]))
				if s != "" {
					sentences = append(sentences, s)
				}
				start = j
				i = j - 1
			}
		}
	}
	if rest := strings.TrimSpace(string(runes[start:])); rest != "" {
		sentences = append(sentences, rest)
	}
	return sentences
}

// chunkText splits text into pieces that each fit the token budget, breaking
// at sentence boundaries. A single sentence over budget is sub-split at
// commas; a sub-sentence still over budget is hard truncated.
func chunkText(text string, budget int) []string {
	if estimateTokens(text) <= budget {
		return []string{text}
	}

	var chunks []string
	var chunk strings.Builder
	chunkLen := 0

	flush := func() {
		if s := strings.TrimSpace(chunk.String()); s != "" {
			chunks = append(chunks, s)
		}
		chunk.Reset()
		chunkLen = 0
	}

	for _, sentence := range splitSentences(text) {
		sentenceLen := estimateTokens(sentence)

		if sentenceLen > budget {
			log.Printf("summary: sentence exceeds the token budget and will be split")
			for _, sub := range strings.Split(sentence, ", ") {
				subLen := estimateTokens(sub)
				if chunkLen+subLen > budget {
					flush()
				}
				if subLen > budget {
					log.Printf("summary: sub-sentence still exceeds the token budget and will be truncated")
					sub = truncateToBudget(sub, budget)
					subLen = estimateTokens(sub)
				}
				chunk.WriteString(sub)
				chunk.WriteString(", ")
				chunkLen += subLen
			}
			continue
		}

		if chunkLen+sentenceLen > budget {
			flush()
		}
		chunk.WriteString(sentence)
		chunk.WriteString(" ")
		chunkLen += sentenceLen
	}
	flush()

	return chunks
}
