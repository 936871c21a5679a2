package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/peftkit/peftconv/convert"
	"github.com/peftkit/peftconv/envconfig"
	"github.com/peftkit/peftconv/fs/safetensors"
	"github.com/peftkit/peftconv/logutil"
	"github.com/peftkit/peftconv/version"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "peftconv",
		Short:         "Convert PEFT LoRA adapters to candle-lora naming",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if envconfig.Debug() {
				level = slog.LevelDebug
			}
			slog.SetDefault(logutil.NewLogger(os.Stderr, level))
		},
	}

	convertCmd := &cobra.Command{
		Use:   "convert SOURCE DEST",
		Short: "Rename adapter tensors from PEFT to candle-lora layout",
		Long: "Rename adapter tensors from PEFT to candle-lora layout.\n\n" +
			"SOURCE is either a safetensors file or a PEFT checkpoint directory\n" +
			"containing adapter_model.safetensors or adapter.safetensors.",
		Args: cobra.ExactArgs(2),
		RunE: ConvertHandler,
	}

	convertCmd.Flags().String("prefix", "lora_llama", "Name prefix for converted tensors (untyped mode)")
	convertCmd.Flags().Bool("typed", false, "Group pairs by layer class, each class numbered under its own prefix")
	convertCmd.Flags().Bool("dummy-embeddings", false, "Inject a zero embedding adapter when the embedding class is empty (typed mode)")
	convertCmd.Flags().Int64("dummy-vocab-size", 0, "Vocabulary size for the injected embedding adapter")
	convertCmd.Flags().Int64("dummy-hidden-size", 0, "Hidden size for the injected embedding adapter")
	convertCmd.Flags().Int64("dummy-rank", 0, "Rank for the injected embedding adapter")

	rootCmd.AddCommand(convertCmd)
	return rootCmd
}

func ConvertHandler(cmd *cobra.Command, args []string) error {
	src, dest := args[0], args[1]

	typed, err := cmd.Flags().GetBool("typed")
	if err != nil {
		return err
	}

	prefix, err := cmd.Flags().GetString("prefix")
	if err != nil {
		return err
	}

	fi, err := os.Stat(src)
	if err != nil {
		return err
	}

	switch {
	case typed:
		opts, err := typedOptions(cmd)
		if err != nil {
			return err
		}

		if fi.IsDir() {
			err = convert.ConvertDirTyped(src, dest, opts)
		} else {
			err = convert.ConvertTyped(src, dest, opts)
		}
		if err != nil {
			return err
		}
	case fi.IsDir():
		if err := convert.ConvertDir(src, dest, prefix); err != nil {
			return err
		}
	default:
		if err := convert.Convert(src, dest, prefix); err != nil {
			return err
		}
	}

	if fi.IsDir() {
		if params, err := convert.Parameters(src); err == nil {
			printParameters(cmd.OutOrStdout(), params)
		}
	}

	return printTensors(cmd, dest)
}

func typedOptions(cmd *cobra.Command) (convert.TypedOptions, error) {
	var opts convert.TypedOptions
	var err error

	if opts.InjectDummyEmbeddings, err = cmd.Flags().GetBool("dummy-embeddings"); err != nil {
		return opts, err
	}
	if opts.DummyShape.VocabSize, err = cmd.Flags().GetInt64("dummy-vocab-size"); err != nil {
		return opts, err
	}
	if opts.DummyShape.HiddenSize, err = cmd.Flags().GetInt64("dummy-hidden-size"); err != nil {
		return opts, err
	}
	if opts.DummyShape.Rank, err = cmd.Flags().GetInt64("dummy-rank"); err != nil {
		return opts, err
	}

	return opts, nil
}

func printParameters(out io.Writer, params *convert.AdapterParameters) {
	table := tablewriter.NewWriter(out)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding(" ")

	table.AppendBulk([][]string{
		{"", "Type:", params.PeftType},
		{"", "Rank:", strconv.FormatUint(uint64(params.Rank), 10)},
		{"", "Alpha:", strconv.FormatFloat(float64(params.Alpha), 'g', -1, 32)},
		{"", "Dropout:", strconv.FormatFloat(float64(params.Dropout), 'g', -1, 32)},
		{"", "Target modules:", strings.Join(params.TargetModules, ", ")},
		{"", "Base model:", params.BaseModel},
	})

	fmt.Fprint(out, "Adapter:\n")
	table.Render()
	fmt.Fprint(out, "\n")
}

func printTensors(cmd *cobra.Command, p string) error {
	ts, err := safetensors.ReadFile(p)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Wrote %d tensors to %s\n", len(ts), p)

	table := tablewriter.NewWriter(out)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader([]string{"Name", "Type", "Shape"})

	for _, t := range ts {
		shape := make([]string, len(t.Shape))
		for i, d := range t.Shape {
			shape[i] = strconv.FormatInt(d, 10)
		}
		table.Append([]string{t.Name, t.DataType, "[" + strings.Join(shape, " ") + "]"})
	}

	table.Render()
	return nil
}
