// irfuse builds one of the test model families, runs the fusion pass over it and prints the
// model before and after fusion.
//
// With --verify both models are executed with GoMLX (simplego backend) on random inputs and their
// outputs compared.
//
// Example:
//
//	irfuse --model=mha --variant=select --dynamic-batch --verify -v=1
package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"reflect"
	"slices"

	"github.com/go-viper/mapstructure/v2"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/irgraph/internal/testmodels"
	"github.com/gomlx/irgraph/internal/togomlx"
	"github.com/gomlx/irgraph/ir"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"
)

// Config of one irfuse run. Flags and the optional configuration file are merged into it.
type Config struct {
	Model string `mapstructure:"model"`

	testmodels.MHAConfig `mapstructure:",squash"`
	FuseConfig           `mapstructure:",squash"`
	VerifyConfig         `mapstructure:",squash"`
}

// FuseConfig configures the fusion pass.
type FuseConfig struct {
	Hoist    bool `mapstructure:"hoist"`
	MinNodes int  `mapstructure:"min_nodes"`
}

// VerifyConfig configures the comparison of the original and fused models.
type VerifyConfig struct {
	Verify     bool    `mapstructure:"verify"`
	Seed       uint64  `mapstructure:"seed"`
	DynamicDim int     `mapstructure:"dynamic_dim"`
	Delta      float64 `mapstructure:"delta"`
}

// flagKeys maps flag names to configuration keys, where they differ.
var flagKeys = map[string]string{
	"dynamic-batch": "dynamic_batch",
	"with-mul":      "with_mul",
	"min-nodes":     "min_nodes",
	"dynamic-dim":   "dynamic_dim",
}

var rootCmd = &cobra.Command{
	Use:   "irfuse",
	Short: "Fuse subgraphs of a test model and verify the fused model computes the same outputs.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.Flags())
		if err != nil {
			return err
		}
		return run(cfg)
	},
	SilenceUsage: true,
}

func init() {
	klog.InitFlags(nil)
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	registerFlags(rootCmd.PersistentFlags())
}

func registerFlags(flags *pflag.FlagSet) {
	flags.StringP("config", "c", "", "configuration file path (yaml, json or toml)")

	defaults := testmodels.DefaultMHAConfig()
	flags.String("model", "mha", `model family: "mha" or "reshape-chain"`)
	flags.Int("batch", defaults.Batch, "batch size")
	flags.Int("heads", defaults.Heads, "number of attention heads")
	flags.Int("seq", defaults.SeqLen, "sequence length")
	flags.Int("dim", defaults.HeadDim, "dimension of each head")
	flags.Bool("dynamic-batch", false, "declare the batch dimension as dynamic")
	flags.Bool("with-mul", false, "scale the query with a constant before the first MatMul")
	flags.String("variant", string(defaults.Variant), "MHA variant: plain, transposed-b, select, fake-quantize, int8, mul-add or no-transpose")
	flags.String("dtype", defaults.DType, "element type of the model inputs, e.g. f32 or f16")
	flags.Bool("hoist", false, "hoist constants out of the fused subgraphs")
	flags.Int("min-nodes", 0, "minimum number of non-constant nodes of a fusion, 0 for the default")
	flags.Bool("verify", false, "execute the original and the fused models and compare their outputs")
	flags.Uint64("seed", 42, "seed of the random inputs used by --verify")
	flags.Int("dynamic-dim", 3, "value used for dynamic dimensions by --verify")
	flags.Float64("delta", 1e-4, "maximum absolute difference accepted by --verify")
}

func loadConfig(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		key, found := flagKeys[f.Name]
		if !found {
			key = f.Name
		}
		err = v.BindPFlag(key, f)
	})
	if err != nil {
		return nil, errors.Wrap(err, "binding flags")
	}
	if path, _ := flags.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err = v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading configuration file %q", path)
		}
	}
	cfg := &Config{}
	// Viper's default hooks plus variant validation.
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(), mapstructure.StringToSliceHookFunc(","), decodeVariant)
	if err = v.Unmarshal(cfg, viper.DecodeHook(hook)); err != nil {
		return nil, errors.Wrap(err, "parsing configuration")
	}
	return cfg, nil
}

// decodeVariant rejects unknown MHA variant names.
func decodeVariant(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf(testmodels.MHAVariant("")) {
		return data, nil
	}
	variant := testmodels.MHAVariant(reflect.ValueOf(data).String())
	if !slices.Contains(testmodels.MHAVariants, variant) {
		return nil, errors.Errorf("unknown MHA variant %q, valid variants are %q", variant, testmodels.MHAVariants)
	}
	return variant, nil
}

func buildModels(cfg *Config) (original, reference *ir.Model, err error) {
	switch cfg.Model {
	case "mha":
		return testmodels.BuildMHA(cfg.MHAConfig)
	case "reshape-chain":
		batch := cfg.Batch
		if cfg.DynamicBatch {
			batch = ir.DynamicDim
		}
		return testmodels.BuildReshapeSqueezeReshapeRelu(testmodels.ReshapeSqueezeConfig{
			InputShape: []int{batch, 1, cfg.HeadDim},
			Axes:       []int{1},
		})
	}
	return nil, nil, errors.Errorf("unknown model family %q", cfg.Model)
}

func run(cfg *Config) error {
	original, reference, err := buildModels(cfg)
	if err != nil {
		return err
	}
	pass := ir.NewFusionPass().WithHoistConstants(cfg.Hoist)
	if cfg.MinNodes > 0 {
		pass = pass.WithMinNodes(cfg.MinNodes)
	}
	fused, err := pass.Run(original)
	if err != nil {
		return errors.WithMessage(err, "fusion pass")
	}
	fmt.Printf("Original:\n%s\n", original)
	fmt.Printf("Fused:\n%s\n", fused)
	if !cfg.Verify {
		return nil
	}

	backend, err := simplego.New("")
	if err != nil {
		return errors.Wrap(err, "creating backend")
	}
	defer backend.Finalize()
	rng := rand.New(rand.NewPCG(cfg.Seed, 0))
	inputs, err := testmodels.RandomInputs(original, rng, cfg.DynamicDim)
	if err != nil {
		return err
	}
	maxDiff, err := compareModels(backend, inputs, original, fused, reference)
	if err != nil {
		return err
	}
	klog.V(1).Infof("maximum absolute difference: %g", maxDiff)
	if maxDiff > cfg.Delta {
		return errors.Errorf("fused model differs from the original: max difference %g > %g", maxDiff, cfg.Delta)
	}
	fmt.Printf("Verified: outputs match (max difference %g)\n", maxDiff)
	return nil
}

// compareModels executes all models with the same inputs and returns the maximum absolute
// difference between the outputs of the first model and the others.
func compareModels(backend backends.Backend, inputs []*tensors.Tensor, models ...*ir.Model) (float64, error) {
	var want [][]float32
	var maxDiff float64
	for ii, m := range models {
		outputs, err := togomlx.Execute(backend, m, inputs...)
		if err != nil {
			return 0, err
		}
		values := make([][]float32, len(outputs))
		for jj, output := range outputs {
			if values[jj], err = togomlx.ToFloat32(output); err != nil {
				return 0, errors.WithMessagef(err, "output #%d of model %q", jj, m.Name())
			}
		}
		if ii == 0 {
			want = values
			continue
		}
		if len(values) != len(want) {
			return 0, errors.Errorf("model %q has %d outputs, wanted %d", m.Name(), len(values), len(want))
		}
		for jj := range values {
			if len(values[jj]) != len(want[jj]) {
				return 0, errors.Errorf("output #%d of model %q has %d values, wanted %d",
					jj, m.Name(), len(values[jj]), len(want[jj]))
			}
			for kk, got := range values[jj] {
				maxDiff = math.Max(maxDiff, math.Abs(float64(got)-float64(want[jj][kk])))
			}
		}
	}
	return maxDiff, nil
}

func main() {
	defer klog.Flush()
	if err := rootCmd.Execute(); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}
