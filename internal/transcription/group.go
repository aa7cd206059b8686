package transcription

import (
	"strings"
	"time"
)

// GroupWords merges adjacent recognized words in to segments. A segment is
// flushed when the speaker changes, when a word ends a sentence, or when
// adding the next word would take the segment text beyond maxChars (a
// non-positive maxChars disables the length limit).
func GroupWords(words []RecognizedWord, maxChars int) []Segment {
	segments := make([]Segment, 0)

	var current *Segment
	speaker := 0
	flush := func() {
		if current != nil {
			segments = append(segments, *current)
			current = nil
		}
	}

	for _, w := range words {
		text := strings.TrimSpace(w.Word)
		if text == "" {
			continue
		}

		if current != nil {
			if w.Speaker != speaker || (maxChars > 0 && len(current.Text)+1+len(text) > maxChars) {
				flush()
			}
		}

		if current == nil {
			current = &Segment{StartOffset: millis(w.Start), Text: text, Words: make([]Word, 0)}
			speaker = w.Speaker
		} else {
			current.Text += " " + text
		}

		current.EndOffset = millis(w.End)
		current.Words = append(current.Words, Word{Word: text, StartOffset: millis(w.Start), EndOffset: millis(w.End)})

		if endsSentence(text) {
			flush()
		}
	}

	flush()
	return segments
}

func endsSentence(word string) bool {
	word = strings.TrimRight(word, `"')]`)
	return strings.HasSuffix(word, ".") || strings.HasSuffix(word, "?") || strings.HasSuffix(word, "!")
}

func millis(d time.Duration) int64 { return d.Milliseconds() }
