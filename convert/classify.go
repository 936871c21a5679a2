package convert

import "strings"

// LayerClass buckets adapter pairs by the kind of base-model layer they
// adapt. Each class numbers its pairs independently under its own prefix.
type LayerClass int

const (
	EmbeddingOrHead LayerClass = iota
	Attention
	Block
)

// Prefix returns the candle-lora VarBuilder prefix for the class.
func (c LayerClass) Prefix() string {
	switch c {
	case EmbeddingOrHead:
		return "lora_llama"
	case Attention:
		return "lora_llama_csa"
	default:
		return "lora_llama_block"
	}
}

func (c LayerClass) String() string {
	switch c {
	case EmbeddingOrHead:
		return "embedding_or_head"
	case Attention:
		return "attention"
	default:
		return "block"
	}
}

// Rule assigns a layer class to base names matching a predicate. Rules are
// evaluated in order and the first match wins; Block is the fallback for base
// names no rule matches.
type Rule struct {
	Class LayerClass
	Match func(base string) bool
}

// DefaultRules classifies the llama family of transformer checkpoints:
// embedding and output-head layers, then the four attention projections,
// everything else a generic block layer.
func DefaultRules() []Rule {
	return []Rule{
		{
			Class: EmbeddingOrHead,
			Match: func(base string) bool {
				return strings.Contains(base, "embed_tokens") || strings.Contains(base, "lm_head")
			},
		},
		{
			Class: Attention,
			Match: func(base string) bool {
				if !strings.Contains(base, "self_attn") {
					return false
				}

				for _, proj := range []string{"q_proj", "k_proj", "v_proj", "o_proj"} {
					if strings.Contains(base, proj) {
						return true
					}
				}
				return false
			},
		},
	}
}

func classify(rules []Rule, base string) LayerClass {
	for _, r := range rules {
		if r.Match(base) {
			return r.Class
		}
	}
	return Block
}
