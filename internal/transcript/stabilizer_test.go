package transcript

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/inference"
)

func untimed(seq uint64, start, end, overlap time.Duration, text string) inference.Result {
	var tokens []inference.Token
	for _, w := range strings.Fields(text) {
		tokens = append(tokens, inference.Token{Text: " " + w})
	}
	return inference.Result{Seq: seq, Start: start, End: end, Overlap: overlap, Tokens: tokens}
}

func TestOverlapDuplicateResolved(t *testing.T) {
	s := New(DefaultConfig())
	s.Apply(untimed(0, 0, 2*time.Second, 0, "the cat sat"))
	updates := s.Apply(untimed(1, time.Second, 3*time.Second, time.Second, "cat sat on the"))

	if got := s.Snapshot().Text(); got != "the cat sat on the" {
		t.Fatalf("unexpected transcript %q", got)
	}
	if len(updates) != 1 || updates[0].Op != Append || updates[0].Segment.Text != "on the" {
		t.Fatalf("unexpected updates: %+v", updates)
	}
	if updates[0].Segment.Ambiguous {
		t.Fatal("confident alignment must not be flagged ambiguous")
	}
}

func TestAmbiguousMatchPrefersNewerResult(t *testing.T) {
	s := New(DefaultConfig())
	s.Apply(untimed(0, 0, 2*time.Second, 0, "so the cat sat"))
	updates := s.Apply(untimed(1, time.Second, 3*time.Second, time.Second, "a cap sat on the"))

	if len(updates) != 2 || updates[0].Op != Replace || updates[1].Op != Append {
		t.Fatalf("expected replace then append, got %+v", updates)
	}
	if updates[0].Segment.Text != "so the" {
		t.Fatalf("expected overlapping provisional words removed, got %q", updates[0].Segment.Text)
	}
	snap := s.Snapshot()
	if snap.Text() != "so the a cap sat on the" {
		t.Fatalf("unexpected transcript %q", snap.Text())
	}
	for _, seg := range snap.Segments {
		if seg.Status != Provisional || !seg.Ambiguous {
			t.Fatalf("expected ambiguous provisional segments, got %+v", seg)
		}
	}
}

func TestEmptyResultAppendsEmptyProvisionalSegment(t *testing.T) {
	s := New(DefaultConfig())
	updates := s.Apply(inference.Result{Seq: 0, Start: 0, End: 3 * time.Second})
	if len(updates) != 1 || updates[0].Op != Append {
		t.Fatalf("expected one append, got %+v", updates)
	}
	seg := updates[0].Segment
	if seg.Text != "" || seg.Status != Provisional {
		t.Fatalf("expected empty provisional segment, got %+v", seg)
	}
}

func TestSubwordTokensJoin(t *testing.T) {
	res := inference.Result{
		Start: 2 * time.Second,
		End:   4 * time.Second,
		Tokens: []inference.Token{
			{Text: " hel", Start: 0, End: 200 * time.Millisecond, Timed: true},
			{Text: "lo", Start: 200 * time.Millisecond, End: 400 * time.Millisecond, Timed: true},
			{Text: " world", Start: 500 * time.Millisecond, End: 900 * time.Millisecond, Timed: true},
			{Text: ",", Start: 900 * time.Millisecond, End: time.Second, Timed: true},
		},
	}
	words := wordsFromResult(res)
	if len(words) != 2 || words[0].Text != "hello" || words[1].Text != "world," {
		t.Fatalf("unexpected words: %+v", words)
	}
	if words[0].Start != 2*time.Second || words[0].End != 2400*time.Millisecond {
		t.Fatalf("expected absolute times, got %v-%v", words[0].Start, words[0].End)
	}
	if words[1].norm != "world" {
		t.Fatalf("expected punctuation-insensitive form, got %q", words[1].norm)
	}
}

func TestAlign(t *testing.T) {
	cases := []struct {
		name      string
		tail      []string
		lead      []string
		cut       int
		confident bool
	}{
		{"suffix at start", []string{"the", "cat", "sat"}, []string{"cat", "sat", "on"}, 2, true},
		{"suffix after noise", []string{"cat", "sat"}, []string{"um", "cat", "sat", "on"}, 3, true},
		{"single word is not enough", []string{"the", "cat"}, []string{"cat", "on"}, 0, false},
		{"repeated match is ambiguous", []string{"go", "go"}, []string{"go", "go", "go"}, 0, false},
		{"no overlap", []string{"a", "b"}, []string{"c", "d"}, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cut, ok := align(tc.tail, tc.lead, 2)
			if cut != tc.cut || ok != tc.confident {
				t.Fatalf("expected (%d,%v), got (%d,%v)", tc.cut, tc.confident, cut, ok)
			}
		})
	}
}

// speaker produces timed results for a fixed ground-truth word timeline:
// word i spans [i*500ms, (i+1)*500ms).
func speaker(words int) func(seq uint64, start, end, overlap time.Duration) inference.Result {
	const step = 500 * time.Millisecond
	return func(seq uint64, start, end, overlap time.Duration) inference.Result {
		res := inference.Result{Seq: seq, Start: start, End: end, Overlap: overlap}
		for i := 0; i < words; i++ {
			ws, we := time.Duration(i)*step, time.Duration(i+1)*step
			mid := ws + step/2
			if mid < start || mid >= end {
				continue
			}
			res.Tokens = append(res.Tokens, inference.Token{
				Text:  fmt.Sprintf(" w%d", i),
				Start: ws - start,
				End:   we - start,
				Timed: true,
			})
		}
		return res
	}
}

func TestContinuousStreamHasNoDuplicatesAndStableCommits(t *testing.T) {
	const total = 22
	speak := speaker(total)
	s := New(DefaultConfig())

	committed := map[int]string{}
	check := func() {
		for _, seg := range s.Snapshot().Segments {
			if seg.Status != Committed {
				continue
			}
			if prev, ok := committed[seg.Index]; ok && prev != seg.Text {
				t.Fatalf("committed segment %d changed from %q to %q", seg.Index, prev, seg.Text)
			}
			committed[seg.Index] = seg.Text
		}
	}

	s.Apply(speak(0, 0, time.Second, 0))
	check()
	for k := 1; k <= 10; k++ {
		start := time.Duration(k-1) * time.Second
		s.Apply(speak(uint64(k), start, start+2*time.Second, time.Second))
		check()
	}
	if len(committed) == 0 {
		t.Fatal("expected older segments to be committed while streaming")
	}
	s.Finalize()
	check()

	var want []string
	for i := 0; i < total; i++ {
		want = append(want, fmt.Sprintf("w%d", i))
	}
	if got := s.Snapshot().Text(); got != strings.Join(want, " ") {
		t.Fatalf("unexpected transcript:\n got %q\nwant %q", got, strings.Join(want, " "))
	}
	snap := s.Snapshot()
	if snap.Committed() != len(snap.Segments) {
		t.Fatal("finalize must commit every segment")
	}
}

func TestCommittedWordsSurviveAmbiguity(t *testing.T) {
	speak := speaker(10)
	s := New(DefaultConfig())
	s.Apply(speak(0, 0, time.Second, 0))
	s.Apply(speak(1, 0, 2*time.Second, time.Second))
	s.Apply(speak(2, time.Second, 3*time.Second, time.Second))
	s.Apply(speak(3, 2*time.Second, 4*time.Second, time.Second))
	s.Apply(speak(4, 3*time.Second, 5*time.Second, time.Second))
	before := s.Snapshot()
	if before.Committed() == 0 {
		t.Fatal("expected a committed prefix")
	}

	// A garbled pass over the next window must not touch committed text.
	s.Apply(untimed(5, 4*time.Second, 6*time.Second, time.Second, "totally different words here"))
	after := s.Snapshot()
	for i := 0; i < before.Committed(); i++ {
		if before.Segments[i].Text != after.Segments[i].Text {
			t.Fatalf("committed segment %d changed", i)
		}
	}
}

func TestPromotionWaitsMoreThanOneOverlap(t *testing.T) {
	speak := speaker(12)
	s := New(DefaultConfig())
	s.Apply(speak(0, 0, time.Second, 0))
	s.Apply(speak(1, 0, 2*time.Second, time.Second))
	s.Apply(speak(2, time.Second, 3*time.Second, time.Second))

	// The first segment ends at 1s, exactly one overlap behind this window.
	updates := s.Apply(speak(3, 2*time.Second, 4*time.Second, time.Second))
	for _, u := range updates {
		if u.Op == Commit {
			t.Fatalf("segment one overlap behind must stay provisional, got %+v", u)
		}
	}
	if s.Snapshot().Committed() != 0 {
		t.Fatal("nothing may be committed yet")
	}

	updates = s.Apply(speak(4, 3*time.Second, 5*time.Second, time.Second))
	var commits []Segment
	for _, u := range updates {
		if u.Op == Commit {
			commits = append(commits, u.Segment)
		}
	}
	if len(commits) != 1 || commits[0].Index != 0 || commits[0].End != time.Second {
		t.Fatalf("expected only the first segment committed, got %+v", commits)
	}
}

func TestUpdatesRoundTripJSON(t *testing.T) {
	s := New(DefaultConfig())
	s.Apply(untimed(0, 0, 2*time.Second, 0, "the cat sat"))
	updates := s.Finalize()
	if len(updates) != 1 || updates[0].Op != Commit {
		t.Fatalf("expected one commit, got %+v", updates)
	}

	data, err := json.Marshal(updates[0])
	if err != nil {
		t.Fatalf("marshal update: %v", err)
	}
	if !strings.Contains(string(data), `"op":"commit"`) || !strings.Contains(string(data), `"status":"committed"`) {
		t.Fatalf("expected textual op and status, got %s", data)
	}
	var decoded Update
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal update: %v", err)
	}
	if decoded != updates[0] {
		t.Fatalf("update changed in transit: %+v vs %+v", decoded, updates[0])
	}

	snap := s.Snapshot()
	data, err = json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	var back Snapshot
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if back.Text() != snap.Text() || back.Committed() != snap.Committed() {
		t.Fatalf("snapshot changed in transit: %+v vs %+v", back, snap)
	}

	if err := json.Unmarshal([]byte(`{"op":"rewrite"}`), &decoded); err == nil {
		t.Fatal("expected unknown op to be rejected")
	}
}
