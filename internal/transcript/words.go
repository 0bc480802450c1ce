package transcript

import (
	"strings"
	"time"
	"unicode"

	"github.com/loqalabs/loqa-scribe/internal/inference"
)

// Word is one transcript word with absolute session times.
type Word struct {
	Text  string        `json:"text"`
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
	norm  string
}

func (w Word) mid() time.Duration { return w.Start + (w.End-w.Start)/2 }

// normalize lowercases and strips punctuation so "Sat," matches "sat".
func normalize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

type piece struct {
	text       string
	start, end time.Duration
	join       bool
}

// wordsFromResult splits tokens into words. A token that does not begin
// with whitespace continues the previous word, matching sub-word tokenizers.
// Untimed output is spread evenly across the result's range.
func wordsFromResult(res inference.Result) []Word {
	allTimed := len(res.Tokens) > 0
	for _, t := range res.Tokens {
		if !t.Timed {
			allTimed = false
		}
	}

	var pieces []piece
	boundary := true
	for _, tok := range res.Tokens {
		parts := strings.Fields(tok.Text)
		if len(parts) == 0 {
			boundary = true
			continue
		}
		leading := boundary || startsWithSpace(tok.Text)
		n := time.Duration(len(parts))
		span := tok.End - tok.Start
		for i, p := range parts {
			pc := piece{text: p, join: i == 0 && !leading}
			if tok.Timed {
				pc.start = tok.Start + span*time.Duration(i)/n
				pc.end = tok.Start + span*time.Duration(i+1)/n
			}
			pieces = append(pieces, pc)
		}
		boundary = endsWithSpace(tok.Text)
	}

	var words []Word
	for _, pc := range pieces {
		if len(words) > 0 && (pc.join || normalize(pc.text) == "") {
			last := &words[len(words)-1]
			last.Text += pc.text
			if pc.end > last.End {
				last.End = pc.end
			}
			continue
		}
		if normalize(pc.text) == "" {
			continue
		}
		words = append(words, Word{Text: pc.text, Start: pc.start, End: pc.end})
	}

	if allTimed {
		for i := range words {
			words[i].Start += res.Start
			words[i].End += res.Start
		}
	} else if len(words) > 0 {
		step := (res.End - res.Start) / time.Duration(len(words))
		for i := range words {
			words[i].Start = res.Start + step*time.Duration(i)
			words[i].End = res.Start + step*time.Duration(i+1)
		}
	}
	for i := range words {
		words[i].norm = normalize(words[i].Text)
	}
	return words
}

func startsWithSpace(s string) bool {
	for _, r := range s {
		return unicode.IsSpace(r)
	}
	return false
}

func endsWithSpace(s string) bool {
	if s == "" {
		return false
	}
	r := []rune(s)
	return unicode.IsSpace(r[len(r)-1])
}

// align finds the longest suffix of tail that occurs contiguously in lead.
// It returns the index in lead just past the match and whether the match is
// confident: at least minMatch words long and occurring exactly once.
func align(tail, lead []string, minMatch int) (int, bool) {
	longest := len(tail)
	if len(lead) < longest {
		longest = len(lead)
	}
	for k := longest; k >= 1; k-- {
		suffix := tail[len(tail)-k:]
		pos, count := -1, 0
		for j := 0; j+k <= len(lead); j++ {
			if equalWords(lead[j:j+k], suffix) {
				if pos < 0 {
					pos = j
				}
				count++
			}
		}
		if count == 0 {
			continue
		}
		if k >= minMatch && count == 1 {
			return pos + k, true
		}
		return 0, false
	}
	return 0, false
}

func equalWords(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
