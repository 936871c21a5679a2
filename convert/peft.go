package convert

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AdapterParameters mirrors the PEFT adapter_config.json layout. It is
// informational; nothing in it changes how tensors are renamed.
type AdapterParameters struct {
	Rank          uint32   `json:"r"`
	Alpha         float32  `json:"lora_alpha"`
	Dropout       float32  `json:"lora_dropout"`
	TargetModules []string `json:"target_modules"`
	PeftType      string   `json:"peft_type"`
	BaseModel     string   `json:"base_model_name_or_path"`
}

// ErrNoAdapterWeights is returned when a PEFT directory contains none of the
// known adapter weight filenames.
var ErrNoAdapterWeights = errors.New("no adapter weights found")

// adapterFileNames are tried in order when resolving a PEFT directory.
var adapterFileNames = []string{
	"adapter_model.safetensors",
	"adapter.safetensors",
}

// ResolveAdapterFile locates the adapter weights inside a PEFT checkpoint
// directory.
func ResolveAdapterFile(dir string) (string, error) {
	for _, name := range adapterFileNames {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
	}

	return "", fmt.Errorf("%w in %s (tried %s)", ErrNoAdapterWeights, dir, strings.Join(adapterFileNames, ", "))
}

// Parameters reads adapter_config.json from a PEFT checkpoint directory.
func Parameters(dir string) (*AdapterParameters, error) {
	bts, err := os.ReadFile(filepath.Join(dir, "adapter_config.json"))
	if err != nil {
		return nil, err
	}

	var params AdapterParameters
	if err := json.Unmarshal(bts, &params); err != nil {
		return nil, err
	}

	return &params, nil
}
