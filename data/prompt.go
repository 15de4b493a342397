package data

import (
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Reserved token ids. Selector tokens [0]..[n-1] follow NILToken.
const (
	PadToken = iota
	UnkToken
	AnswerToken // <txcla>
	OrToken     // [or]
	NILToken    // [NIL]
	firstSelector
)

// PromptConfig sizes the hashed vocabulary and the prompt.
type PromptConfig struct {
	VocabSize  int
	CandNum    int
	MaxLen     int
	MaxTextLen int
	MaxEntLen  int
}

// PromptBuilder turns raw mentions into examples. The prompt layout is:
// mention words, <txcla>, text words, then "[i] description" for each
// candidate with [or] between candidates. The answer position is the index
// of <txcla>.
type PromptBuilder struct {
	config   PromptConfig
	kb       *KB
	specials map[string]int
}

// NewPromptBuilder validates the sizes and reserves the special tokens.
func NewPromptBuilder(kb *KB, config PromptConfig) (*PromptBuilder, error) {
	if kb == nil {
		return nil, fmt.Errorf("knowledge base cannot be nil")
	}
	if config.CandNum <= 0 {
		return nil, fmt.Errorf("candidate count must be positive, got %d", config.CandNum)
	}
	if config.VocabSize <= firstSelector+config.CandNum {
		return nil, fmt.Errorf("vocabulary of %d cannot hold %d reserved tokens",
			config.VocabSize, firstSelector+config.CandNum)
	}
	if config.MaxLen <= 0 {
		return nil, fmt.Errorf("max length must be positive, got %d", config.MaxLen)
	}
	if config.MaxTextLen <= 0 {
		config.MaxTextLen = config.MaxLen
	}
	if config.MaxEntLen <= 0 {
		config.MaxEntLen = config.MaxLen
	}

	specials := map[string]int{
		"<txcla>": AnswerToken,
		"[or]":    OrToken,
		"[nil]":   NILToken,
	}
	for i := range config.CandNum {
		specials[fmt.Sprintf("[%d]", i)] = SelectorToken(i)
	}
	return &PromptBuilder{config: config, kb: kb, specials: specials}, nil
}

// SelectorToken returns the token id of the [i] candidate selector.
func SelectorToken(i int) int {
	return firstSelector + i
}

// Reserved returns the number of token ids not available to hashed words.
func (pb *PromptBuilder) Reserved() int {
	return firstSelector + pb.config.CandNum
}

// Normalize applies NFKC, lower-cases, and collapses whitespace.
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ToLower(s)
	return strings.Join(strings.Fields(s), " ")
}

// Tokenize splits normalised text into token ids. Letter and digit runs form
// words, CJK characters and punctuation stand alone, and special token
// literals map to their reserved ids.
func (pb *PromptBuilder) Tokenize(s string) []int {
	s = Normalize(s)
	var ids []int
	word := strings.Builder{}
	flush := func() {
		if word.Len() > 0 {
			ids = append(ids, pb.hash(word.String()))
			word.Reset()
		}
	}

	for i := 0; i < len(s); {
		if s[i] == '<' || s[i] == '[' {
			if id, n, ok := pb.special(s[i:]); ok {
				flush()
				ids = append(ids, id)
				i += n
				continue
			}
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.Is(unicode.Han, r) || unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			ids = append(ids, pb.hash(string(r)))
		default:
			word.WriteRune(r)
		}
		i += size
	}
	flush()
	return ids
}

func (pb *PromptBuilder) special(s string) (id, n int, ok bool) {
	end := strings.IndexAny(s, ">]")
	if end < 0 {
		return 0, 0, false
	}
	lit := s[:end+1]
	id, ok = pb.specials[lit]
	return id, len(lit), ok
}

func (pb *PromptBuilder) hash(word string) int {
	h := fnv.New64a()
	h.Write([]byte(word))
	span := uint64(pb.config.VocabSize - pb.Reserved())
	return pb.Reserved() + int(h.Sum64()%span)
}

// Build converts one mention to an example. Candidates beyond CandNum are
// dropped; candidates missing from the KB use the NIL row and description.
func (pb *PromptBuilder) Build(m Mention) (*Example, error) {
	d := m.Data
	if len(d.Candidates) != len(d.Labels) {
		return nil, fmt.Errorf("%w: mention %s has %d candidates but %d labels",
			ErrMalformedExample, m.ID, len(d.Candidates), len(d.Labels))
	}
	n := min(len(d.Candidates), pb.config.CandNum)

	mention := truncate(pb.Tokenize(d.Mention), pb.config.MaxTextLen)
	text := truncate(pb.Tokenize(m.Text), pb.config.MaxTextLen)

	tokens := make([]int, 0, pb.config.MaxLen)
	tokens = append(tokens, mention...)
	answerPos := len(tokens)
	tokens = append(tokens, AnswerToken)
	tokens = append(tokens, text...)

	e := &Example{
		MentionID:    string(m.ID),
		AnswerPos:    answerPos,
		ChoiceTokens: make([]int, n),
		Candidates:   make([]int, n),
		CandidateIDs: make([]string, n),
		Labels:       make([]int, n),
	}
	for i := range n {
		id := d.Candidates[i]
		row, ok := pb.kb.Index(id)
		desc := []int{NILToken}
		if ok {
			text, _ := pb.kb.Description(id)
			desc = truncate(pb.Tokenize(text), pb.config.MaxEntLen)
		} else {
			row = pb.kb.NILIndex()
		}
		if i > 0 {
			tokens = append(tokens, OrToken)
		}
		tokens = append(tokens, SelectorToken(i))
		tokens = append(tokens, desc...)

		e.ChoiceTokens[i] = SelectorToken(i)
		e.Candidates[i] = row
		e.CandidateIDs[i] = id
		e.Labels[i] = d.Labels[i]
	}

	e.TokenIDs = truncate(tokens, pb.config.MaxLen)
	if answerPos >= len(e.TokenIDs) {
		return nil, fmt.Errorf("%w: mention %s does not fit in %d tokens",
			ErrMalformedExample, m.ID, pb.config.MaxLen)
	}
	e.Mask = make([]int, len(e.TokenIDs))
	for i := range e.Mask {
		e.Mask[i] = 1
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// BuildAll converts every mention, stopping at the first error.
func (pb *PromptBuilder) BuildAll(mentions []Mention) ([]*Example, error) {
	out := make([]*Example, 0, len(mentions))
	for i := range mentions {
		e, err := pb.Build(mentions[i])
		if err != nil {
			return nil, fmt.Errorf("mention %d: %w", i, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func truncate(ids []int, n int) []int {
	if len(ids) > n {
		return ids[:n]
	}
	return ids
}
