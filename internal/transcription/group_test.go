package transcription_test

import (
	"testing"
	"time"

	"github.com/hbomb79/Mimic/internal/transcription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_GroupWords(t *testing.T) {
	tests := []struct {
		name     string
		words    []transcription.RecognizedWord
		maxChars int
		expected []string
	}{
		{"empty", nil, 0, []string{}},
		{"single sentence", words("the", "cat", "sat."), 0, []string{"the cat sat."}},
		{"sentence terminators", words("Yes!", "Really?", "OK."), 0, []string{"Yes!", "Really?", "OK."}},
		{"quoted terminator", words(`"Stop."`, "he", "said"), 0, []string{`"Stop."`, "he said"}},
		{"max chars", words("aaaa", "bbbb", "cccc"), 9, []string{"aaaa bbbb", "cccc"}},
		{"blank words skipped", words("one", " ", "two"), 0, []string{"one two"}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			segments := transcription.GroupWords(test.words, test.maxChars)
			texts := make([]string, 0, len(segments))
			for _, s := range segments {
				texts = append(texts, s.Text)
			}
			assert.Equal(t, test.expected, texts)
		})
	}
}

func Test_GroupWords_SpeakerChangeFlushes(t *testing.T) {
	ws := words("hi", "hello", "there")
	ws[1].Speaker = 1
	ws[2].Speaker = 1

	segments := transcription.GroupWords(ws, 0)
	require.Len(t, segments, 2)
	assert.Equal(t, "hi", segments[0].Text)
	assert.Equal(t, "hello there", segments[1].Text)
	assert.Equal(t, (500 * time.Millisecond).Milliseconds(), segments[1].StartOffset)
	assert.Equal(t, int64(1500), segments[1].EndOffset)
	assert.Equal(t, int64(1000), segments[1].Words[0].EndOffset)
}
