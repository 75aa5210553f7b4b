package cmd

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/unixsysdev/nano-go-rope/internal/config"
	"github.com/unixsysdev/nano-go-rope/internal/layers"
	"github.com/unixsysdev/nano-go-rope/internal/tensor"
	"github.com/unixsysdev/nano-go-rope/pkg/safetensors"
)

// rotaryConfig resolves the rotary parameters from --model and the flags.
// When neither --head-dim nor the model's config.json sets the head dim it
// falls back to the trailing dim of shape.
func rotaryConfig(cmd *cobra.Command, shape []int) (*config.Config, error) {
	model, err := cmd.Flags().GetString("model")
	if err != nil {
		return nil, err
	}

	var opts []config.Option
	if cmd.Flags().Changed("head-dim") {
		v, _ := cmd.Flags().GetInt("head-dim")
		opts = append(opts, config.WithHeadDim(v))
	} else if len(shape) > 0 {
		opts = append(opts, config.WithDefaultHeadDim(shape[len(shape)-1]))
	}
	if cmd.Flags().Changed("max-seq-len") {
		v, _ := cmd.Flags().GetInt("max-seq-len")
		opts = append(opts, config.WithMaxSeqLen(v))
	}
	if cmd.Flags().Changed("theta") {
		v, _ := cmd.Flags().GetFloat64("theta")
		opts = append(opts, config.WithTheta(v))
	}

	cfg, err := config.LoadConfig(model, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w (set --head-dim or a --model with config.json)", err)
	}
	slog.Debug("rotary config", "head_dim", cfg.HeadDim, "max_seq_len", cfg.MaxSeqLen, "theta", cfg.Theta)
	return cfg, nil
}

// loadTensor reads a named tensor along with its stored dtype. F64 tensors
// load as Float64, everything else as Float32.
func loadTensor(m *safetensors.Multi, name string) (*tensor.Tensor, string, error) {
	f, ti, ok := m.Find(name)
	if !ok {
		return nil, "", fmt.Errorf("tensor %q not found (have %s)", name, strings.Join(m.Names(), ", "))
	}

	var t *tensor.Tensor
	var err error
	if strings.ToUpper(ti.Dtype) == "F64" {
		var data []float64
		if data, _, err = f.ReadFloat64(name); err != nil {
			return nil, "", err
		}
		t, err = tensor.FromFloat64(ti.Dims(), data)
	} else {
		var data []float32
		if data, _, err = f.ReadFloat32(name); err != nil {
			return nil, "", err
		}
		t, err = tensor.FromFloat32(ti.Dims(), data)
	}
	if err != nil {
		return nil, "", fmt.Errorf("tensor %q: %w", name, err)
	}
	return t, ti.Dtype, nil
}

func loadQueryKey(cmd *cobra.Command, path string) (q, k *tensor.Tensor, qDtype, kDtype string, err error) {
	qName, _ := cmd.Flags().GetString("query")
	kName, _ := cmd.Flags().GetString("key")

	m, err := safetensors.OpenPath(path)
	if err != nil {
		return nil, nil, "", "", err
	}
	if q, qDtype, err = loadTensor(m, qName); err != nil {
		return nil, nil, "", "", err
	}
	if k, kDtype, err = loadTensor(m, kName); err != nil {
		return nil, nil, "", "", err
	}
	slog.Debug("loaded tensors", "query", q.Shape(), "query_dtype", qDtype, "key", k.Shape(), "key_dtype", kDtype)
	return q, k, qDtype, kDtype, nil
}

func rotateFromFlags(cmd *cobra.Command, q, k *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	cfg, err := rotaryConfig(cmd, q.Shape())
	if err != nil {
		return nil, nil, err
	}
	if err := checkHeadCount("query", q, cfg.NumHeads); err != nil {
		return nil, nil, err
	}
	if err := checkHeadCount("key", k, cfg.NumKVHeads); err != nil {
		return nil, nil, err
	}
	embed, err := layers.NewRotaryEmbedding(cfg.HeadDim, cfg.MaxSeqLen, cfg.Theta)
	if err != nil {
		return nil, nil, err
	}

	offset, _ := cmd.Flags().GetInt("offset")
	opts := []layers.RotaryOption{layers.WithOffset(offset)}
	if inverse, _ := cmd.Flags().GetBool("inverse"); inverse {
		opts = append(opts, layers.WithInverse())
	}
	return embed.Forward(q, k, opts...)
}

// checkHeadCount compares the heads axis against the model's config.json.
// A zero want means the model did not say.
func checkHeadCount(name string, t *tensor.Tensor, want int) error {
	shape := t.Shape()
	if want <= 0 || len(shape) != 4 || shape[2] == want {
		return nil
	}
	return fmt.Errorf("%w: %s has %d heads, model config expects %d", layers.ErrShape, name, shape[2], want)
}

// outputTensor converts t for writing in dtype, keeping float64 precision
// for F64
func outputTensor(name, dtype string, t *tensor.Tensor) safetensors.Tensor {
	out := safetensors.Tensor{Name: name, Dtype: dtype, Shape: t.Shape()}
	if strings.ToUpper(dtype) == "F64" {
		out.Data64 = t.Float64s()
	} else {
		out.Data = t.Float32s()
	}
	return out
}

func ApplyHandler(cmd *cobra.Command, args []string) error {
	q, k, qDtype, kDtype, err := loadQueryKey(cmd, args[0])
	if err != nil {
		return err
	}
	qr, kr, err := rotateFromFlags(cmd, q, k)
	if err != nil {
		return err
	}

	output, _ := cmd.Flags().GetString("output")
	qName, _ := cmd.Flags().GetString("query")
	kName, _ := cmd.Flags().GetString("key")
	if err := safetensors.WriteFile(output, []safetensors.Tensor{
		outputTensor(qName, qDtype, qr),
		outputTensor(kName, kDtype, kr),
	}); err != nil {
		return err
	}

	slog.Info("wrote rotated tensors", "path", output, "query", qr.Shape(), "key", kr.Shape())
	return nil
}

func FreqsHandler(cmd *cobra.Command, args []string) error {
	cfg, err := rotaryConfig(cmd, nil)
	if err != nil {
		return err
	}
	position, _ := cmd.Flags().GetInt("position")

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"PAIR", "INV FREQ", "WAVELENGTH", "ANGLE @" + strconv.Itoa(position)})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)

	for i, f := range layers.InvFreq(cfg.HeadDim, cfg.Theta) {
		table.Append([]string{
			strconv.Itoa(i),
			strconv.FormatFloat(f, 'g', 6, 64),
			strconv.FormatFloat(2*math.Pi/f, 'g', 6, 64),
			strconv.FormatFloat(float64(position)*f, 'g', 6, 64),
		})
	}
	table.Render()
	return nil
}

func ScoresHandler(cmd *cobra.Command, args []string) error {
	q, k, _, _, err := loadQueryKey(cmd, args[0])
	if err != nil {
		return err
	}
	if raw, _ := cmd.Flags().GetBool("no-rope"); !raw {
		if q, k, err = rotateFromFlags(cmd, q, k); err != nil {
			return err
		}
	}

	scores, err := layers.Scores(q, k)
	if err != nil {
		return err
	}
	shape := scores.Shape()
	batch, _ := cmd.Flags().GetInt("batch")
	head, _ := cmd.Flags().GetInt("head")
	if batch < 0 || batch >= shape[0] || head < 0 || head >= shape[1] {
		return fmt.Errorf("batch %d head %d out of range for scores %v", batch, head, shape)
	}

	seqQ, seqK := shape[2], shape[3]
	header := []string{"Q\\K"}
	for j := 0; j < seqK; j++ {
		header = append(header, strconv.Itoa(j))
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader(header)
	table.SetBorder(false)

	data := scores.Float32s()
	base := (batch*shape[1] + head) * seqQ * seqK
	for i := 0; i < seqQ; i++ {
		row := []string{strconv.Itoa(i)}
		for j := 0; j < seqK; j++ {
			row = append(row, strconv.FormatFloat(float64(data[base+i*seqK+j]), 'f', 4, 32))
		}
		table.Append(row)
	}
	table.Render()
	return nil
}

func addRotaryFlags(cmd *cobra.Command) {
	cmd.Flags().String("model", "", "Model directory with a config.json to read rotary parameters from")
	cmd.Flags().Int("head-dim", 0, "Attention head dimension (default: config or trailing tensor dim)")
	cmd.Flags().Int("max-seq-len", config.DefaultMaxSeqLen, "Maximum sequence length")
	cmd.Flags().Float64("theta", config.DefaultTheta, "Frequency base")
}

func addTensorFlags(cmd *cobra.Command) {
	cmd.Flags().String("query", "query", "Name of the query tensor")
	cmd.Flags().String("key", "key", "Name of the key tensor")
	cmd.Flags().Int("offset", 0, "Position of the first token")
	cmd.Flags().Bool("inverse", false, "Rotate by the negated angles")
}

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "nanorope",
		Short: "Rotary positional embeddings for attention tensors",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true

			level := slog.LevelInfo
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
		},
	}

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Show debug logging")

	cobra.EnableCommandSorting = false

	applyCmd := &cobra.Command{
		Use:   "apply INPUT",
		Short: "Rotate query and key tensors from a safetensors file or directory",
		Args:  cobra.ExactArgs(1),
		RunE:  ApplyHandler,
	}
	addRotaryFlags(applyCmd)
	addTensorFlags(applyCmd)
	applyCmd.Flags().StringP("output", "o", "", "Output safetensors file")
	_ = applyCmd.MarkFlagRequired("output")

	freqsCmd := &cobra.Command{
		Use:   "freqs",
		Short: "Print the frequency schedule",
		Args:  cobra.NoArgs,
		RunE:  FreqsHandler,
	}
	addRotaryFlags(freqsCmd)
	freqsCmd.Flags().Int("position", 1, "Position to print rotation angles for")

	scoresCmd := &cobra.Command{
		Use:   "scores INPUT",
		Short: "Print attention scores of rotated query and key for one head",
		Args:  cobra.ExactArgs(1),
		RunE:  ScoresHandler,
	}
	addRotaryFlags(scoresCmd)
	addTensorFlags(scoresCmd)
	scoresCmd.Flags().Int("batch", 0, "Batch index")
	scoresCmd.Flags().Int("head", 0, "Query head index")
	scoresCmd.Flags().Bool("no-rope", false, "Score the tensors without rotating them")

	rootCmd.AddCommand(applyCmd, freqsCmd, scoresCmd)

	return rootCmd
}
