package convert

import (
	"cmp"
	"log/slog"
	"slices"
	"strings"

	"github.com/peftkit/peftconv/fs/safetensors"
)

const (
	loraASuffix = ".lora_A.weight"
	loraBSuffix = ".lora_B.weight"
)

// pair is a matched low-rank factor pair sharing one base module path.
type pair struct {
	base string
	a, b *safetensors.Tensor
}

// pairs collects every fully matched lora_A/lora_B pair in ts, sorted by base
// name so index assignment is independent of the source ordering. A factor
// whose counterpart is missing is excluded from the result; it is logged but
// never surfaced as an error, matching the formats this feeds.
func pairs(ts []*safetensors.Tensor) []pair {
	byName := make(map[string]*safetensors.Tensor, len(ts))
	for _, t := range ts {
		byName[t.Name] = t
	}

	var ps []pair
	for _, t := range ts {
		switch {
		case strings.HasSuffix(t.Name, loraASuffix):
			base := strings.TrimSuffix(t.Name, loraASuffix)
			b, ok := byName[base+loraBSuffix]
			if !ok {
				slog.Warn("dropping lora_A factor with no matching lora_B", "tensor", t.Name)
				continue
			}

			ps = append(ps, pair{base: base, a: t, b: b})
		case strings.HasSuffix(t.Name, loraBSuffix):
			base := strings.TrimSuffix(t.Name, loraBSuffix)
			if _, ok := byName[base+loraASuffix]; !ok {
				slog.Warn("dropping lora_B factor with no matching lora_A", "tensor", t.Name)
			}
		}
	}

	slices.SortFunc(ps, func(a, b pair) int {
		return cmp.Compare(a.base, b.base)
	})

	return ps
}
