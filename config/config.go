// Package config holds the run configuration. Values come from defaults, then
// PEL_* environment variables, then command-line flags.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	json "github.com/goccy/go-json"

	"github.com/tsawler/go-promptel/checkpoint"
	"github.com/tsawler/go-promptel/data"
	"github.com/tsawler/go-promptel/device"
	"github.com/tsawler/go-promptel/internal/logging"
	"github.com/tsawler/go-promptel/model"
	"github.com/tsawler/go-promptel/optimizer"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// FieldError names the field that failed validation.
type FieldError struct {
	Field  string
	Value  any
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Reason, e.Value)
}

// Unwrap lets errors.Is match ErrInvalidConfig.
func (e *FieldError) Unwrap() error { return ErrInvalidConfig }

// Run is the configuration of one training run. It is built once and then
// only read.
type Run struct {
	// Data
	DataDir   string `env:"DATA_DIR" envDefault:"./data" json:"data_dir"`
	TrainFile string `env:"TRAIN_FILE" envDefault:"train.json" json:"train_file"`
	DevFile   string `env:"DEV_FILE" envDefault:"dev.json" json:"dev_file"`
	TestFile  string `env:"TEST_FILE" envDefault:"test.json" json:"test_file"`
	KBFile    string `env:"KB_FILE" envDefault:"kb.json" json:"kb_file"`

	// Output and warm start
	ModelPath      string `env:"MODEL_PATH" envDefault:"./output/best.pel" json:"model_path"`
	PretrainedPath string `env:"PRETRAINED_PATH" json:"pretrained_path,omitempty"`
	UsePretrained  bool   `env:"USE_PRETRAINED" json:"use_pretrained"`

	// Model
	Model      string `env:"MODEL" envDefault:"prompt-scorer" json:"model"`
	Loss       string `env:"LOSS" envDefault:"sum_log_nce" json:"loss"`
	Dim        int    `env:"DIM" envDefault:"64" json:"dim"`
	VocabSize  int    `env:"VOCAB_SIZE" envDefault:"30000" json:"vocab_size"`
	MaxLen     int    `env:"MAX_LEN" envDefault:"512" json:"max_len"`
	MaxTextLen int    `env:"MAX_TEXT_LEN" envDefault:"256" json:"max_text_len"`
	MaxEntLen  int    `env:"MAX_ENT_LEN" envDefault:"32" json:"max_ent_len"`
	CandNum    int    `env:"CAND_NUM" envDefault:"6" json:"cand_num"`

	// Optimisation
	BatchSize        int     `env:"BATCH_SIZE" envDefault:"1" json:"batch_size"`
	EvalBatchSize    int     `env:"EVAL_BATCH_SIZE" envDefault:"8" json:"eval_batch_size"`
	LearningRate     float64 `env:"LR" envDefault:"5e-5" json:"lr"`
	Epochs           int     `env:"EPOCHS" envDefault:"1" json:"epochs"`
	Accumulation     int     `env:"ACCUMULATION" envDefault:"2" json:"gradient_accumulation_steps"`
	WarmupProportion float64 `env:"WARMUP" envDefault:"0.2" json:"warmup_proportion"`
	WeightDecay      float64 `env:"WEIGHT_DECAY" envDefault:"0.01" json:"weight_decay"`
	AdamEpsilon      float64 `env:"ADAM_EPSILON" envDefault:"1e-6" json:"adam_epsilon"`
	Clip             float64 `env:"CLIP" envDefault:"1.0" json:"clip"`
	SimpleOptim      bool    `env:"SIMPLE_OPTIM" json:"simple_optim"`
	Seed             uint64  `env:"SEED" envDefault:"42" json:"seed"`

	ShuffleCandidates bool   `env:"SHUFFLE_CANDIDATES" json:"shuffle_candidates"`
	Devices           string `env:"DEVICES" envDefault:"cpu" json:"devices"`

	// Checkpoints
	Compression string `env:"COMPRESSION" envDefault:"zstd" json:"compression"`
	MirrorURL   string `env:"MIRROR_URL" json:"mirror_url,omitempty"`

	// Observability
	MetricsAddr   string        `env:"METRICS_ADDR" json:"metrics_addr,omitempty"`
	LogFormat     string        `env:"LOG_FORMAT" envDefault:"text" json:"log_format"`
	LogLevel      string        `env:"LOG_LEVEL" envDefault:"info" json:"log_level"`
	ProgressEvery time.Duration `env:"PROGRESS_EVERY" envDefault:"10s" json:"progress_every"`
}

// Prefix is the environment variable prefix.
const Prefix = "PEL_"

// Load returns the defaults overridden by the process environment.
func Load() (*Run, error) {
	return LoadFrom(nil)
}

// LoadFrom is Load with an explicit environment. A nil map reads the process
// environment.
func LoadFrom(environ map[string]string) (*Run, error) {
	opts := env.Options{Prefix: Prefix}
	if environ != nil {
		opts.Environment = environ
	}
	cfg := &Run{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in defaults, ignoring the environment.
func Default() *Run {
	cfg, err := LoadFrom(map[string]string{})
	if err != nil {
		panic(fmt.Sprintf("config: defaults do not parse: %v", err))
	}
	return cfg
}

func invalid(field string, value any, reason string) error {
	return &FieldError{Field: field, Value: value, Reason: reason}
}

// Validate checks ranges and names. The first problem found is returned as a
// *FieldError wrapping ErrInvalidConfig.
func (c *Run) Validate() error {
	switch {
	case c.DataDir == "":
		return invalid("data_dir", c.DataDir, "must not be empty")
	case c.TrainFile == "" || c.DevFile == "" || c.TestFile == "" || c.KBFile == "":
		return invalid("files", []string{c.TrainFile, c.DevFile, c.TestFile, c.KBFile}, "train, dev, test and kb file names are required")
	case c.ModelPath == "":
		return invalid("model_path", c.ModelPath, "must not be empty")
	case c.UsePretrained && c.PretrainedPath == "":
		return invalid("pretrained_path", c.PretrainedPath, "required when use_pretrained is set")
	case c.BatchSize <= 0:
		return invalid("batch_size", c.BatchSize, "must be positive")
	case c.EvalBatchSize <= 0:
		return invalid("eval_batch_size", c.EvalBatchSize, "must be positive")
	case c.Epochs <= 0:
		return invalid("epochs", c.Epochs, "must be positive")
	case c.Accumulation <= 0:
		return invalid("gradient_accumulation_steps", c.Accumulation, "must be positive")
	case c.LearningRate <= 0:
		return invalid("lr", c.LearningRate, "must be positive")
	case c.WarmupProportion < 0 || c.WarmupProportion > 1:
		return invalid("warmup_proportion", c.WarmupProportion, "must be in [0, 1]")
	case c.WeightDecay < 0:
		return invalid("weight_decay", c.WeightDecay, "must not be negative")
	case c.AdamEpsilon <= 0:
		return invalid("adam_epsilon", c.AdamEpsilon, "must be positive")
	case c.Clip <= 0:
		return invalid("clip", c.Clip, "must be positive")
	case c.CandNum <= 0:
		return invalid("cand_num", c.CandNum, "must be positive")
	case c.Dim <= 0:
		return invalid("dim", c.Dim, "must be positive")
	case c.MaxLen <= 0:
		return invalid("max_len", c.MaxLen, "must be positive")
	case c.MaxTextLen < 0 || c.MaxEntLen < 0:
		return invalid("max_text_len", []int{c.MaxTextLen, c.MaxEntLen}, "must not be negative")
	case c.ProgressEvery < 0:
		return invalid("progress_every", c.ProgressEvery, "must not be negative")
	}

	if _, err := model.ParseLossType(c.Loss); err != nil {
		return invalid("loss", c.Loss, fmt.Sprintf("must be one of %s", strings.Join(lossNames(), ", ")))
	}
	known := false
	for _, v := range model.Variants() {
		if v == c.Model {
			known = true
		}
	}
	if !known {
		return invalid("model", c.Model, fmt.Sprintf("must be one of %s", strings.Join(model.Variants(), ", ")))
	}
	if reserved := data.SelectorToken(c.CandNum); c.VocabSize <= reserved {
		return invalid("vocab_size", c.VocabSize, fmt.Sprintf("must exceed the %d reserved tokens", reserved))
	}
	if _, err := device.ParseList(c.Devices); err != nil {
		return invalid("devices", c.Devices, err.Error())
	}
	if _, err := checkpoint.ParseCodec(c.Compression); err != nil {
		return invalid("compression", c.Compression, err.Error())
	}
	if c.MirrorURL != "" {
		if _, err := checkpoint.ParseLocation(c.MirrorURL); err != nil {
			return invalid("mirror_url", c.MirrorURL, err.Error())
		}
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return invalid("log_level", c.LogLevel, err.Error())
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return invalid("log_format", c.LogFormat, "must be text or json")
	}
	return nil
}

func lossNames() []string {
	names := make([]string, 0, len(model.LossTypes))
	for _, lt := range model.LossTypes {
		names = append(names, lt.String())
	}
	return names
}

// Path joins a data file name onto DataDir.
func (c *Run) Path(file string) string {
	return filepath.Join(c.DataDir, file)
}

// LossType returns the parsed loss. Call after Validate.
func (c *Run) LossType() model.LossType {
	lt, _ := model.ParseLossType(c.Loss)
	return lt
}

// DeviceList returns the parsed devices. Call after Validate.
func (c *Run) DeviceList() []device.Device {
	devs, _ := device.ParseList(c.Devices)
	return devs
}

// Codec returns the parsed checkpoint compression. Call after Validate.
func (c *Run) Codec() checkpoint.Codec {
	codec, _ := checkpoint.ParseCodec(c.Compression)
	return codec
}

// Policy maps SimpleOptim onto the optimizer policy.
func (c *Run) Policy() optimizer.Policy {
	if c.SimpleOptim {
		return optimizer.PolicyConstant
	}
	return optimizer.PolicyWarmupLinear
}

// PromptConfig sizes the prompt builder.
func (c *Run) PromptConfig() data.PromptConfig {
	return data.PromptConfig{
		VocabSize:  c.VocabSize,
		CandNum:    c.CandNum,
		MaxLen:     c.MaxLen,
		MaxTextLen: c.MaxTextLen,
		MaxEntLen:  c.MaxEntLen,
	}
}

// PlanConfig sizes the optimizer plan for numExamples training examples.
func (c *Run) PlanConfig(numExamples int) optimizer.PlanConfig {
	return optimizer.PlanConfig{
		NumExamples:       numExamples,
		BatchSize:         c.BatchSize,
		AccumulationSteps: c.Accumulation,
		Epochs:            c.Epochs,
		WarmupProportion:  c.WarmupProportion,
		LearningRate:      c.LearningRate,
		Epsilon:           c.AdamEpsilon,
		WeightDecay:       c.WeightDecay,
		Policy:            c.Policy(),
	}
}

// PredictionsPath is where test predictions are written, next to the model.
func (c *Run) PredictionsPath() string {
	return strings.TrimSuffix(c.ModelPath, filepath.Ext(c.ModelPath)) + ".predictions.jsonl"
}

// LogPath is where the CLI tees its log, next to the model.
func (c *Run) LogPath() string {
	return strings.TrimSuffix(c.ModelPath, filepath.Ext(c.ModelPath)) + ".log"
}

// JSON renders the configuration for checkpoints.
func (c *Run) JSON() (json.RawMessage, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode configuration: %w", err)
	}
	return b, nil
}
