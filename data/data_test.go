package data_test

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-promptel/data"
)

const kbJSON = `{"D001": "fever", "D002": "chronic cough", "D003": ["asthma", "wheezing"]}`

func testKB(t *testing.T) *data.KB {
	t.Helper()
	kb, err := data.ParseKB([]byte(kbJSON))
	require.NoError(t, err)
	return kb
}

func testBuilder(t *testing.T) *data.PromptBuilder {
	t.Helper()
	pb, err := data.NewPromptBuilder(testKB(t), data.PromptConfig{
		VocabSize: 1000,
		CandNum:   6,
		MaxLen:    64,
	})
	require.NoError(t, err)
	return pb
}

func TestParseKBKeepsFileOrder(t *testing.T) {
	kb := testKB(t)
	assert.Equal(t, 3, kb.Len())
	assert.Equal(t, 4, kb.Rows())

	row, ok := kb.Index("D003")
	require.True(t, ok)
	assert.Equal(t, 2, row)
	assert.Equal(t, "D001", kb.ID(0))
	assert.Equal(t, "NIL", kb.ID(kb.NILIndex()))

	desc, _ := kb.Description("D003")
	assert.Equal(t, "asthma [or] wheezing", desc)
}

func TestParseKBArray(t *testing.T) {
	kb, err := data.ParseKB([]byte(`[{"entity_id":"a","description":"x"},{"entity_id":"b","description":"y"}]`))
	require.NoError(t, err)
	row, ok := kb.Index("b")
	require.True(t, ok)
	assert.Equal(t, 1, row)

	_, err = data.ParseKB([]byte(`[{"entity_id":"a"},{"entity_id":"a"}]`))
	require.Error(t, err)
}

func TestReadMentionsFormats(t *testing.T) {
	array := `[{"id": 7, "text": "t1", "mention_data": {"mention": "m", "candidates": ["D001"], "labels": [1]}}]`
	lines := "{\"id\": \"a\", \"text\": \"t1\", \"mention_data\": {\"mention\": \"m\", \"candidates\": [], \"labels\": []}}\n\n" +
		"{\"id\": \"b\", \"text\": \"t2\", \"mention_data\": {\"mention\": \"m\", \"candidates\": [], \"labels\": []}}\n"

	got, err := data.ReadMentions(strings.NewReader(array))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, data.MentionID("7"), got[0].ID)
	assert.Equal(t, []string{"D001"}, got[0].Data.Candidates)

	got, err = data.ReadMentions(strings.NewReader(lines))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, data.MentionID("b"), got[1].ID)

	got, err = data.ReadMentions(strings.NewReader("  \n"))
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = data.ReadMentions(strings.NewReader("{not json}\n"))
	require.Error(t, err)
}

func TestLoadMentionsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"id":"x","text":"","mention_data":{"mention":"m","candidates":["D002"],"labels":[0]}}]`), 0o644))

	got, err := data.LoadMentions(path)
	require.NoError(t, err)
	require.Len(t, got, 1)

	_, err = data.LoadMentions(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestTokenizeNormalisesAndKeepsSpecials(t *testing.T) {
	pb := testBuilder(t)

	a := pb.Tokenize("Ｆｅｖｅｒ  HIGH")
	b := pb.Tokenize("fever high")
	assert.Equal(t, b, a)
	require.Len(t, a, 2)
	for _, id := range a {
		assert.GreaterOrEqual(t, id, pb.Reserved())
		assert.Less(t, id, 1000)
	}

	ids := pb.Tokenize("x <txcla> [or] [NIL] [3] y")
	require.Len(t, ids, 6)
	assert.Equal(t, data.AnswerToken, ids[1])
	assert.Equal(t, data.OrToken, ids[2])
	assert.Equal(t, data.NILToken, ids[3])
	assert.Equal(t, data.SelectorToken(3), ids[4])

	// Each Han character is its own token.
	assert.Len(t, pb.Tokenize("发热咳嗽"), 4)
}

func TestBuildPromptLayout(t *testing.T) {
	pb := testBuilder(t)
	e, err := pb.Build(data.Mention{
		ID:   "m1",
		Text: "patient has a fever",
		Data: data.MentionData{
			Mention:    "fever",
			Candidates: []string{"D002", "D001", "UNKNOWN"},
			Labels:     []int{0, 1, 0},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, e.AnswerPos)
	assert.Equal(t, data.AnswerToken, e.TokenIDs[e.AnswerPos])
	assert.Equal(t, []int{1, 0, 3}, e.Candidates)
	assert.Equal(t, []int{data.SelectorToken(0), data.SelectorToken(1), data.SelectorToken(2)}, e.ChoiceTokens)
	assert.Contains(t, e.TokenIDs, data.NILToken)
	assert.Contains(t, e.TokenIDs, data.OrToken)
	assert.Len(t, e.Mask, len(e.TokenIDs))
	require.NoError(t, e.Validate())
}

func TestBuildTruncatesCandidatesAndRejectsMismatch(t *testing.T) {
	pb, err := data.NewPromptBuilder(testKB(t), data.PromptConfig{VocabSize: 100, CandNum: 2, MaxLen: 32})
	require.NoError(t, err)

	e, err := pb.Build(data.Mention{ID: "m", Data: data.MentionData{
		Mention: "a", Candidates: []string{"D001", "D002", "D003"}, Labels: []int{0, 0, 1},
	}})
	require.NoError(t, err)
	assert.Len(t, e.Candidates, 2)

	_, err = pb.Build(data.Mention{ID: "m", Data: data.MentionData{
		Mention: "a", Candidates: []string{"D001"}, Labels: []int{0, 1},
	}})
	assert.ErrorIs(t, err, data.ErrMalformedExample)
}

func TestCollatePadsAndSplits(t *testing.T) {
	examples := []*data.Example{
		{MentionID: "a", TokenIDs: []int{5, 2, 6}, Mask: []int{1, 1, 1}, AnswerPos: 1,
			ChoiceTokens: []int{5, 6}, Candidates: []int{0, 1}, Labels: []int{1, 0}},
		{MentionID: "b", TokenIDs: []int{7, 2}, Mask: []int{1, 1}, AnswerPos: 1,
			ChoiceTokens: []int{5}, Candidates: []int{2}, Labels: []int{1}},
		{MentionID: "c", TokenIDs: []int{2}, Mask: []int{1}, AnswerPos: 0,
			ChoiceTokens: []int{5}, Candidates: []int{0}, Labels: []int{0}},
	}
	b, err := data.Collate(examples, []int{10, 11, 12})
	require.NoError(t, err)

	assert.Equal(t, 3, b.Size())
	assert.Equal(t, []int{7, 2, 0}, b.TokenIDs[1])
	assert.Equal(t, []float64{1, 1, 0}, b.Mask[1])
	assert.Equal(t, []int{2, -1}, b.Candidates[1])
	assert.Equal(t, []int{2, 1, 1}, b.NumCandidates)

	shards := b.Split(2)
	require.Len(t, shards, 2)
	assert.Equal(t, 2, shards[0].Size())
	assert.Equal(t, []int{12}, shards[1].Index)

	assert.Len(t, b.Split(8), 3)
	assert.Len(t, b.Split(1), 1)

	bad := *examples[0]
	bad.Labels = []int{1}
	_, err = data.Collate([]*data.Example{&bad}, nil)
	assert.ErrorIs(t, err, data.ErrMalformedExample)
}

func TestLoaderPartialBatchAndSeededShuffle(t *testing.T) {
	examples := make([]*data.Example, 5)
	for i := range examples {
		examples[i] = &data.Example{TokenIDs: []int{i}, Mask: []int{1},
			ChoiceTokens: []int{5}, Candidates: []int{0}, Labels: []int{1}}
	}

	l, err := data.NewLoader(examples, data.LoaderConfig{BatchSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, l.BatchCount())
	last, err := l.GetBatch(2)
	require.NoError(t, err)
	assert.Equal(t, 1, last.Size())
	_, err = l.GetBatch(3)
	require.Error(t, err)

	dropped, err := data.NewLoader(examples, data.LoaderConfig{BatchSize: 2, DropLast: true})
	require.NoError(t, err)
	assert.Equal(t, 2, dropped.BatchCount())

	order := func(seed uint64) []int {
		l, err := data.NewLoader(examples, data.LoaderConfig{BatchSize: 5, Shuffle: true, Seed: seed})
		require.NoError(t, err)
		require.NoError(t, l.Shuffle())
		b, err := l.GetBatch(0)
		require.NoError(t, err)
		return b.Index
	}
	assert.Equal(t, order(42), order(42))
	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4}, order(42))
}

func TestShuffleCandidatesKeepsPairs(t *testing.T) {
	mentions := []data.Mention{{Data: data.MentionData{
		Candidates: []string{"a", "b", "c", "d"},
		Labels:     []int{0, 0, 1, 0},
	}}}
	data.ShuffleCandidates(mentions, rand.New(rand.NewPCG(1, 2)))

	d := mentions[0].Data
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, d.Candidates)
	for i, c := range d.Candidates {
		assert.Equal(t, c == "c", d.Labels[i] == 1)
	}
}
