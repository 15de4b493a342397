package data

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// MentionID accepts both string and numeric ids in the source files.
type MentionID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *MentionID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = MentionID(s)
		return nil
	}
	lit := string(bytes.TrimSpace(b))
	if lit == "null" {
		*id = ""
		return nil
	}
	if _, err := strconv.ParseFloat(lit, 64); err != nil {
		return fmt.Errorf("mention id must be a string or number, got %s", lit)
	}
	*id = MentionID(lit)
	return nil
}

// MentionData is the annotated part of a mention record.
type MentionData struct {
	Mention    string   `json:"mention"`
	Candidates []string `json:"candidates"`
	Labels     []int    `json:"labels"`
}

// Mention is one raw record of a disambiguation dataset.
type Mention struct {
	ID   MentionID   `json:"id"`
	Text string      `json:"text"`
	Data MentionData `json:"mention_data"`
}

// LoadMentions reads a JSON array or JSON lines file of mention records.
func LoadMentions(path string) ([]Mention, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer f.Close()

	mentions, err := ReadMentions(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return mentions, nil
}

// ReadMentions decodes mention records from r. The format is detected from
// the first non-space byte.
func ReadMentions(r io.Reader) ([]Mention, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var mentions []Mention
	if first == '[' {
		if err := json.NewDecoder(br).Decode(&mentions); err != nil {
			return nil, fmt.Errorf("failed to decode mention array: %w", err)
		}
		return mentions, nil
	}

	sc := bufio.NewScanner(br)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var m Mention
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		mentions = append(mentions, m)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return mentions, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}

// ShuffleCandidates permutes each mention's candidates and labels together.
func ShuffleCandidates(mentions []Mention, rng *rand.Rand) {
	for i := range mentions {
		d := &mentions[i].Data
		n := min(len(d.Candidates), len(d.Labels))
		rng.Shuffle(n, func(a, b int) {
			d.Candidates[a], d.Candidates[b] = d.Candidates[b], d.Candidates[a]
			d.Labels[a], d.Labels[b] = d.Labels[b], d.Labels[a]
		})
	}
}

// KB is a read-only knowledge base of entity descriptions. Rows are assigned
// in load order; one extra row after the last entity stands for NIL.
type KB struct {
	ids   []string
	desc  map[string]string
	index map[string]int
}

type kbEntry struct {
	EntityID    string `json:"entity_id"`
	Description string `json:"description"`
}

// NewKB builds a knowledge base from ordered ids and their descriptions.
func NewKB(ids []string, descriptions map[string]string) (*KB, error) {
	kb := &KB{
		ids:   make([]string, 0, len(ids)),
		desc:  make(map[string]string, len(ids)),
		index: make(map[string]int, len(ids)),
	}
	for _, id := range ids {
		if _, dup := kb.index[id]; dup {
			return nil, fmt.Errorf("duplicate entity id %q", id)
		}
		kb.index[id] = len(kb.ids)
		kb.ids = append(kb.ids, id)
		kb.desc[id] = descriptions[id]
	}
	return kb, nil
}

// LoadKB reads a knowledge base stored either as {"id": "description"} or as
// [{"entity_id": ..., "description": ...}].
func LoadKB(path string) (*KB, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read knowledge base: %w", err)
	}
	kb, err := ParseKB(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return kb, nil
}

// ParseKB decodes a knowledge base from raw JSON.
func ParseKB(raw []byte) (*KB, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return NewKB(nil, nil)
	}

	if raw[0] == '[' {
		var entries []kbEntry
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, err
		}
		ids := make([]string, len(entries))
		desc := make(map[string]string, len(entries))
		for i, e := range entries {
			ids[i] = e.EntityID
			desc[e.EntityID] = e.Description
		}
		return NewKB(ids, desc)
	}

	// Object keys are walked with the token decoder so rows follow file order.
	dec := json.NewDecoder(bytes.NewReader(raw))
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	var ids []string
	desc := make(map[string]string)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected key token %v", tok)
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
		text, err := descriptionText(value)
		if err != nil {
			return nil, fmt.Errorf("entity %q: %w", key, err)
		}
		ids = append(ids, key)
		desc[key] = text
	}
	return NewKB(ids, desc)
}

// descriptionText accepts a plain string, a list of names, or an object with
// a "description" field.
func descriptionText(value json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(value, &s); err == nil {
		return s, nil
	}
	var names []string
	if err := json.Unmarshal(value, &names); err == nil {
		return strings.Join(names, " [or] "), nil
	}
	var e kbEntry
	if err := json.Unmarshal(value, &e); err != nil {
		return "", fmt.Errorf("unsupported description %s", strconv.Quote(string(value)))
	}
	return e.Description, nil
}

// Len returns the number of entities.
func (kb *KB) Len() int {
	return len(kb.ids)
}

// Rows returns the number of embedding rows the KB needs, NIL included.
func (kb *KB) Rows() int {
	return len(kb.ids) + 1
}

// NILIndex is the row used for candidates missing from the KB.
func (kb *KB) NILIndex() int {
	return len(kb.ids)
}

// Index returns the row of the entity.
func (kb *KB) Index(id string) (int, bool) {
	i, ok := kb.index[id]
	return i, ok
}

// Description returns the entity's description.
func (kb *KB) Description(id string) (string, bool) {
	d, ok := kb.desc[id]
	return d, ok
}

// ID returns the entity id of a row.
func (kb *KB) ID(row int) string {
	if row < 0 || row >= len(kb.ids) {
		return "NIL"
	}
	return kb.ids[row]
}
