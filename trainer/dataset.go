package trainer

import (
	"fmt"
	"math/rand/v2"

	"github.com/tsawler/go-promptel/config"
	"github.com/tsawler/go-promptel/data"
)

// Datasets are the tokenized partitions of one run and the knowledge base
// their candidates index into.
type Datasets struct {
	KB    *data.KB
	Train []*data.Example
	Dev   []*data.Example
	Test  []*data.Example
}

// LoadDatasets reads the knowledge base and the three partitions named by cfg
// and builds their prompts. With ShuffleCandidates set, training candidates
// are permuted under the run seed first.
func LoadDatasets(cfg *config.Run) (*Datasets, error) {
	kb, err := data.LoadKB(cfg.Path(cfg.KBFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load knowledge base: %w", err)
	}

	splits := map[string][]data.Mention{}
	for name, file := range map[string]string{"train": cfg.TrainFile, "dev": cfg.DevFile, "test": cfg.TestFile} {
		mentions, err := data.LoadMentions(cfg.Path(file))
		if err != nil {
			return nil, fmt.Errorf("failed to load %s data: %w", name, err)
		}
		splits[name] = mentions
	}
	if cfg.ShuffleCandidates {
		data.ShuffleCandidates(splits["train"], candidateRNG(cfg.Seed))
	}
	return BuildDatasets(kb, cfg.PromptConfig(), splits["train"], splits["dev"], splits["test"])
}

// BuildDatasets turns already loaded mentions into examples.
func BuildDatasets(kb *data.KB, pc data.PromptConfig, train, dev, test []data.Mention) (*Datasets, error) {
	pb, err := data.NewPromptBuilder(kb, pc)
	if err != nil {
		return nil, err
	}
	ds := &Datasets{KB: kb}
	for _, split := range []struct {
		name string
		in   []data.Mention
		out  *[]*data.Example
	}{
		{"train", train, &ds.Train},
		{"dev", dev, &ds.Dev},
		{"test", test, &ds.Test},
	} {
		examples, err := pb.BuildAll(split.in)
		if err != nil {
			return nil, fmt.Errorf("failed to build %s prompts: %w", split.name, err)
		}
		*split.out = examples
	}
	return ds, nil
}

func candidateRNG(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, 0x5eed_ca4d))
}
