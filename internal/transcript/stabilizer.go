// Package transcript merges overlapping inference results into one growing
// transcript.
package transcript

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/inference"
)

type Status int

const (
	Provisional Status = iota
	Committed
)

func (s Status) String() string {
	if s == Committed {
		return "committed"
	}
	return "provisional"
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(text []byte) error {
	switch string(text) {
	case "provisional":
		*s = Provisional
	case "committed":
		*s = Committed
	default:
		return fmt.Errorf("unknown segment status %q", text)
	}
	return nil
}

// Segment is the transcript contribution of one inference result. Committed
// segments never change again.
type Segment struct {
	Index     int           `json:"index"`
	Seq       uint64        `json:"seq"`
	Status    Status        `json:"status"`
	Text      string        `json:"text"`
	Start     time.Duration `json:"start"`
	End       time.Duration `json:"end"`
	Ambiguous bool          `json:"ambiguous,omitempty"`
}

type Op int

const (
	Append Op = iota
	Replace
	Commit
)

func (o Op) String() string {
	switch o {
	case Replace:
		return "replace"
	case Commit:
		return "commit"
	default:
		return "append"
	}
}

func (o Op) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *Op) UnmarshalText(text []byte) error {
	switch string(text) {
	case "append":
		*o = Append
	case "replace":
		*o = Replace
	case "commit":
		*o = Commit
	default:
		return fmt.Errorf("unknown update op %q", text)
	}
	return nil
}

// Update is one entry of the consumer feed.
type Update struct {
	Op      Op      `json:"op"`
	Segment Segment `json:"segment"`
}

// Snapshot is a point-in-time copy of the transcript.
type Snapshot struct {
	Segments []Segment `json:"segments"`
}

func (s Snapshot) Text() string {
	parts := make([]string, 0, len(s.Segments))
	for _, seg := range s.Segments {
		if seg.Text != "" {
			parts = append(parts, seg.Text)
		}
	}
	return strings.Join(parts, " ")
}

// Committed counts the committed prefix.
func (s Snapshot) Committed() int {
	n := 0
	for _, seg := range s.Segments {
		if seg.Status == Committed {
			n++
		}
	}
	return n
}

type Config struct {
	// Overlap is the look-back shared by consecutive windows; it also sets
	// how far behind the newest window a segment must end to be committed.
	Overlap       time.Duration
	MaxTailWords  int
	MinMatchWords int
	// LeadTolerance widens the overlap when selecting words to align, to
	// absorb imprecise timestamps.
	LeadTolerance time.Duration
}

func DefaultConfig() Config {
	return Config{
		Overlap:       time.Second,
		MaxTailWords:  32,
		MinMatchWords: 2,
		LeadTolerance: 250 * time.Millisecond,
	}
}

// FromConfig builds a stabilizer config for the given window overlap.
func FromConfig(c config.StabilizerConfig, overlap time.Duration) Config {
	cfg := DefaultConfig()
	cfg.Overlap = overlap
	if c.MaxTailWords > 0 {
		cfg.MaxTailWords = c.MaxTailWords
	}
	if c.MinMatchWords > 0 {
		cfg.MinMatchWords = c.MinMatchWords
	}
	return cfg
}

type segment struct {
	index     int
	seq       uint64
	status    Status
	ambiguous bool
	words     []Word
	start     time.Duration
	end       time.Duration
}

func (s *segment) view() Segment {
	texts := make([]string, len(s.words))
	for i, w := range s.words {
		texts[i] = w.Text
	}
	return Segment{
		Index:     s.index,
		Seq:       s.seq,
		Status:    s.status,
		Text:      strings.Join(texts, " "),
		Start:     s.start,
		End:       s.end,
		Ambiguous: s.ambiguous,
	}
}

// fitRange narrows the segment range to its words, if any.
func (s *segment) fitRange() {
	if len(s.words) == 0 {
		return
	}
	s.start = s.words[0].Start
	s.end = s.words[len(s.words)-1].End
}

type wordRef struct {
	seg  *segment
	word Word
}

// Stabilizer turns the ordered result stream into an append-only transcript.
// Results must be applied in sequence order.
type Stabilizer struct {
	cfg Config

	mu       sync.Mutex
	segments []*segment
}

func New(cfg Config) *Stabilizer {
	if cfg.MinMatchWords <= 0 {
		cfg.MinMatchWords = 1
	}
	if cfg.MaxTailWords < cfg.MinMatchWords {
		cfg.MaxTailWords = cfg.MinMatchWords
	}
	return &Stabilizer{cfg: cfg}
}

// Apply merges one result and returns the resulting feed entries: replaced
// provisional segments, the appended segment, then any new commits.
func (s *Stabilizer) Apply(res inference.Result) []Update {
	s.mu.Lock()
	defer s.mu.Unlock()

	words := wordsFromResult(res)
	words = dropCovered(words, s.committedEnd())

	seg := &segment{
		index:  len(s.segments),
		seq:    res.Seq,
		status: Provisional,
		start:  res.Start + res.Overlap,
		end:    res.End,
	}

	var updates []Update
	tail := s.tail(res.Start - s.cfg.LeadTolerance)
	lead := leadWords(words, res.Start+res.Overlap+s.cfg.LeadTolerance)
	switch {
	case len(tail) == 0 || len(lead) == 0:
		seg.words = words
	default:
		cut, confident := align(tailNorms(tail), normsOf(lead), s.cfg.MinMatchWords)
		if confident {
			seg.words = words[cut:]
		} else {
			// Newer result wins over the overlapping provisional text.
			updates = append(updates, s.dropProvisionalFrom(res.Start)...)
			seg.words = words
			seg.ambiguous = true
		}
	}
	seg.fitRange()
	s.segments = append(s.segments, seg)
	updates = append(updates, Update{Op: Append, Segment: seg.view()})

	overlap := s.cfg.Overlap
	if overlap <= 0 {
		overlap = res.Overlap
	}
	updates = append(updates, s.promote(res.Start-overlap)...)
	return updates
}

// Finalize commits every provisional segment in its current form.
func (s *Stabilizer) Finalize() []Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	var updates []Update
	for _, seg := range s.segments {
		if seg.status == Committed {
			continue
		}
		seg.status = Committed
		updates = append(updates, Update{Op: Commit, Segment: seg.view()})
	}
	return updates
}

func (s *Stabilizer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Snapshot{Segments: make([]Segment, len(s.segments))}
	for i, seg := range s.segments {
		out.Segments[i] = seg.view()
	}
	return out
}

func (s *Stabilizer) committedEnd() time.Duration {
	var end time.Duration
	for _, seg := range s.segments {
		if seg.status != Committed {
			break
		}
		if seg.end > end {
			end = seg.end
		}
	}
	return end
}

// tail collects the newest transcript words ending after since, oldest first.
func (s *Stabilizer) tail(since time.Duration) []wordRef {
	var refs []wordRef
	for i := len(s.segments) - 1; i >= 0 && len(refs) < s.cfg.MaxTailWords; i-- {
		seg := s.segments[i]
		done := false
		for j := len(seg.words) - 1; j >= 0; j-- {
			w := seg.words[j]
			if w.End <= since || len(refs) >= s.cfg.MaxTailWords {
				done = true
				break
			}
			refs = append(refs, wordRef{seg: seg, word: w})
		}
		if done {
			break
		}
	}
	for i, j := 0, len(refs)-1; i < j; i, j = i+1, j-1 {
		refs[i], refs[j] = refs[j], refs[i]
	}
	return refs
}

// dropProvisionalFrom removes provisional words centred at or after t.
func (s *Stabilizer) dropProvisionalFrom(t time.Duration) []Update {
	var updates []Update
	for i := len(s.segments) - 1; i >= 0; i-- {
		seg := s.segments[i]
		if seg.status == Committed {
			break
		}
		kept := seg.words[:0:0]
		for _, w := range seg.words {
			if w.mid() < t {
				kept = append(kept, w)
			}
		}
		if len(kept) == len(seg.words) {
			if seg.end <= t {
				break
			}
			continue
		}
		seg.words = kept
		seg.ambiguous = true
		seg.fitRange()
		updates = append(updates, Update{Op: Replace, Segment: seg.view()})
	}
	// Replacements were collected newest first.
	for i, j := 0, len(updates)-1; i < j; i, j = i+1, j-1 {
		updates[i], updates[j] = updates[j], updates[i]
	}
	return updates
}

// promote commits, in order, provisional segments ending strictly before
// cutoff.
func (s *Stabilizer) promote(cutoff time.Duration) []Update {
	var updates []Update
	for _, seg := range s.segments {
		if seg.status == Committed {
			continue
		}
		if seg.end >= cutoff {
			break
		}
		seg.status = Committed
		updates = append(updates, Update{Op: Commit, Segment: seg.view()})
	}
	return updates
}

func dropCovered(words []Word, committedEnd time.Duration) []Word {
	if committedEnd <= 0 {
		return words
	}
	i := 0
	for i < len(words) && words[i].mid() < committedEnd {
		i++
	}
	return words[i:]
}

func leadWords(words []Word, limit time.Duration) []Word {
	n := 0
	for n < len(words) && words[n].Start < limit {
		n++
	}
	return words[:n]
}

func normsOf(words []Word) []string {
	out := make([]string, len(words))
	for i, w := range words {
		out[i] = w.norm
	}
	return out
}

func tailNorms(refs []wordRef) []string {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.word.norm
	}
	return out
}
