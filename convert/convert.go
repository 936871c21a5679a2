// Package convert renames LoRA adapter tensors from the PEFT naming
// convention, keyed by base-model submodule path, to the positionally indexed
// candle-lora convention. Tensor data is copied verbatim; only names change.
package convert

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/peftkit/peftconv/fs/safetensors"
)

// DummyShape sizes the zero-filled embedding adapter that ConvertTyped can
// inject. There is no default; injection without a fully specified shape is an
// error, since wrongly sized placeholders break loading for every other model.
type DummyShape struct {
	VocabSize  int64
	HiddenSize int64
	Rank       int64
}

func (s DummyShape) valid() bool {
	return s.VocabSize > 0 && s.HiddenSize > 0 && s.Rank > 0
}

// TypedOptions configures ConvertTyped and ConvertDirTyped.
type TypedOptions struct {
	// Rules overrides the layer classification table. DefaultRules when nil.
	Rules []Rule

	// InjectDummyEmbeddings inserts a zero-filled embedding adapter pair when
	// classification leaves the embedding class empty. DummyShape is required
	// when set.
	InjectDummyEmbeddings bool
	DummyShape            DummyShape
}

// Convert renames every matched lora_A/lora_B pair in srcPath under a single
// prefix with one shared counter and writes the result to destPath.
func Convert(srcPath, destPath, prefix string) error {
	ts, err := safetensors.ReadFile(srcPath)
	if err != nil {
		return err
	}

	ps := pairs(ts)

	out := make([]*safetensors.Tensor, 0, 2*len(ps))
	for i, p := range ps {
		out = append(out,
			rename(p.a, fmt.Sprintf("%s.a%d.weight", prefix, i)),
			rename(p.b, fmt.Sprintf("%s.b%d.weight", prefix, i)))
	}

	slog.Info("converted adapter", "pairs", len(ps), "prefix", prefix)
	return safetensors.WriteFile(destPath, out)
}

// ConvertTyped renames matched pairs grouped by layer class, numbering each
// class independently from zero under its own prefix.
func ConvertTyped(srcPath, destPath string, opts TypedOptions) error {
	if opts.InjectDummyEmbeddings && !opts.DummyShape.valid() {
		return fmt.Errorf("dummy embedding shape must specify vocab size, hidden size, and rank, got %+v", opts.DummyShape)
	}

	rules := opts.Rules
	if rules == nil {
		rules = DefaultRules()
	}

	ts, err := safetensors.ReadFile(srcPath)
	if err != nil {
		return err
	}

	groups := make(map[LayerClass][]pair)
	for _, p := range pairs(ts) {
		c := classify(rules, p.base)
		groups[c] = append(groups[c], p)
	}

	var out []*safetensors.Tensor
	for _, c := range []LayerClass{EmbeddingOrHead, Attention, Block} {
		for i, p := range groups[c] {
			out = append(out,
				rename(p.a, fmt.Sprintf("%s.a%d.weight", c.Prefix(), i)),
				rename(p.b, fmt.Sprintf("%s.b%d.weight", c.Prefix(), i)))
		}
		slog.Debug("classified adapter pairs", "class", c, "count", len(groups[c]))
	}

	if opts.InjectDummyEmbeddings && len(groups[EmbeddingOrHead]) == 0 {
		s := opts.DummyShape
		a, err := safetensors.Zeros(EmbeddingOrHead.Prefix()+".a0.weight", "F32", []int64{s.Rank, s.VocabSize})
		if err != nil {
			return err
		}
		b, err := safetensors.Zeros(EmbeddingOrHead.Prefix()+".b0.weight", "F32", []int64{s.HiddenSize, s.Rank})
		if err != nil {
			return err
		}

		out = append(out, a, b)
		slog.Info("injected dummy embedding adapter", "vocab_size", s.VocabSize, "hidden_size", s.HiddenSize, "rank", s.Rank)
	}

	return safetensors.WriteFile(destPath, out)
}

// ConvertDir resolves the adapter weights inside a PEFT checkpoint directory
// and converts them like Convert.
func ConvertDir(dir, destPath, prefix string) error {
	p, err := ResolveAdapterFile(dir)
	if err != nil {
		return err
	}

	logParameters(dir)
	return Convert(p, destPath, prefix)
}

// ConvertDirTyped resolves the adapter weights inside a PEFT checkpoint
// directory and converts them like ConvertTyped.
func ConvertDirTyped(dir, destPath string, opts TypedOptions) error {
	p, err := ResolveAdapterFile(dir)
	if err != nil {
		return err
	}

	logParameters(dir)
	return ConvertTyped(p, destPath, opts)
}

func rename(t *safetensors.Tensor, name string) *safetensors.Tensor {
	return &safetensors.Tensor{
		Name:     name,
		DataType: t.DataType,
		Shape:    slices.Clone(t.Shape),
		WriterTo: t.WriterTo,
	}
}

func logParameters(dir string) {
	params, err := Parameters(dir)
	if err != nil {
		// informational only, a missing or malformed config never fails a conversion
		slog.Debug("adapter config unavailable", "dir", dir, "error", err)
		return
	}

	slog.Debug("adapter config", "rank", params.Rank, "alpha", params.Alpha,
		"dropout", params.Dropout, "type", params.PeftType, "base_model", params.BaseModel)
}
