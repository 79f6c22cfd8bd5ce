package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"

	"latent-moe-go/decoder"
	"latent-moe-go/tensor"
)

func main() {
	var (
		layers     = flag.Int("layers", 4, "decoder layers in the stack")
		hidden     = flag.Int("hidden", 512, "hidden size")
		heads      = flag.Int("heads", 8, "attention heads")
		experts    = flag.Int("experts", 16, "routed experts")
		topK       = flag.Int("topk", 4, "experts per token")
		nGroup     = flag.Int("groups", 4, "expert groups")
		topKGroup  = flag.Int("topk-groups", 2, "groups kept per token")
		firstDense = flag.Int("first-dense", 1, "leading layers using the dense MLP")
		prefill    = flag.Int("prefill", 64, "prompt tokens")
		decode     = flag.Int("decode", 64, "decode steps")
		fused      = flag.Bool("fused", false, "use the single-pass fused kernel")
		half       = flag.Bool("half", false, "store the KV cache in half precision")
	)
	flag.Parse()

	if *prefill < 1 || *decode < 0 {
		slog.Error("prefill must be at least 1 and decode non-negative", "prefill", *prefill, "decode", *decode)
		os.Exit(1)
	}

	cfg, err := decoder.NewConfig(
		decoder.WithHiddenSize(*hidden),
		decoder.WithHeads(*heads),
		decoder.WithLatentRanks(*hidden/4, *hidden/8),
		decoder.WithHeadDims(64, 32, 64),
		decoder.WithExperts(*experts, 1),
		decoder.WithTopK(*topK),
		decoder.WithGroups(*nGroup, *topKGroup),
		decoder.WithMoEIntermediateSize(*hidden),
		decoder.WithIntermediateSize(2*(*hidden)),
		decoder.WithFirstKDenseReplace(*firstDense),
		decoder.WithNumLayers(*layers),
		decoder.WithMaxPositions(*prefill+*decode),
	)
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	var kernel decoder.Kernel = decoder.NewReferenceKernel()
	if *fused {
		kernel = decoder.NewFusedKernel()
	}

	slog.Info("building layer stack",
		"layers", cfg.NumLayers, "hidden", cfg.HiddenSize, "heads", cfg.NumHeads,
		"experts", cfg.NRoutedExperts, "top_k", cfg.TopK,
		"groups", fmt.Sprintf("%d of %d", cfg.TopKGroup, cfg.NGroup),
		"kernel", kernel.Name(), "half_cache", *half)

	table, err := decoder.NewRotaryTable(cfg)
	if err != nil {
		slog.Error("rotary table", "err", err)
		os.Exit(1)
	}

	stack := make([]*decoder.DecoderLayer, cfg.NumLayers)
	for i := range stack {
		layer, err := decoder.NewDecoderLayer(cfg, i, decoder.SyntheticLayerParams(cfg, i), kernel)
		if err != nil {
			slog.Error("layer construction failed", "layer", i, "err", err)
			os.Exit(1)
		}
		stack[i] = layer
	}

	var cacheOpts []decoder.MemoryCacheOption
	if *half {
		cacheOpts = append(cacheOpts, decoder.WithHalfPrecision())
	}
	cache := decoder.NewMemoryCache(cfg.NumLayers, cacheOpts...)

	// Prefill: every prompt token in one pass under a causal mask.
	positions := make([]int, *prefill)
	for i := range positions {
		positions[i] = i
	}
	cos, sin := table.Slice(positions)
	mask := decoder.CausalMask(*prefill, *prefill)
	h := tensor.SeededUniform("bench.prompt", -1, 1, *prefill, cfg.HiddenSize)

	prefillStart := time.Now()
	for _, layer := range stack {
		if h, _, err = layer.Forward(h, cos, sin, positions, mask, cache, false); err != nil {
			slog.Error("prefill failed", "layer", layer.LayerIdx(), "err", err)
			os.Exit(1)
		}
	}
	prefillSecs := time.Since(prefillStart).Seconds()

	// Decode: one token at a time against the growing cache.
	bar := progressbar.NewOptions(*decode,
		progressbar.OptionSetDescription("Decoding"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)

	var decodeSecs float64
	for step := 0; step < *decode; step++ {
		pos := []int{*prefill + step}
		stepCos, stepSin := table.Slice(pos)
		x := tensor.SeededUniform(fmt.Sprintf("bench.decode.%d", step), -1, 1, 1, cfg.HiddenSize)

		start := time.Now()
		for _, layer := range stack {
			if x, _, err = layer.Forward(x, stepCos, stepSin, pos, nil, cache, false); err != nil {
				slog.Error("decode failed", "step", step, "err", err)
				os.Exit(1)
			}
		}
		decodeSecs += time.Since(start).Seconds()

		if decodeSecs > 0 {
			bar.Describe(fmt.Sprintf("Decoding [%d tok/s]", int(float64(step+1)/decodeSecs)))
		}
		bar.Add(1)
	}
	bar.Finish()
	fmt.Println()

	fmt.Println("Benchmark Results:")
	fmt.Println("==================")
	fmt.Printf("Prefill: %d tokens in %.3fs (%.1f tok/s)\n", *prefill, prefillSecs, float64(*prefill)/prefillSecs)
	if *decode > 0 {
		fmt.Printf("Decode:  %d steps in %.3fs (%.1f tok/s, %.2f ms/step)\n",
			*decode, decodeSecs, float64(*decode)/decodeSecs, decodeSecs*1000/float64(*decode))
	}
	fmt.Printf("Cached positions per layer: %d\n", cache.Len(0))
}
