// Command run drives autoregressive inference over a Llama-2-style
// checkpoint entirely on the GPU. Build with no tags for the default
// EGL/OpenGL ES 3.2 backend, or `-tags vulkan` for the Vulkan compute
// backend.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cgoxopx/llama2.c/internal/checkpoint"
	"github.com/cgoxopx/llama2.c/internal/cli"
	"github.com/cgoxopx/llama2.c/internal/gpu"
	"github.com/cgoxopx/llama2.c/internal/sampler"
	"github.com/cgoxopx/llama2.c/internal/tokenizer"
	"github.com/sirupsen/logrus"
)

func main() {
	args, err := cli.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, cli.Usage)
		os.Exit(1)
	}

	if err := run(args); err != nil {
		logrus.Errorf("run: %v", err)
		os.Exit(1)
	}
}

func run(args cli.Args) error {
	ckpt, err := checkpoint.Open(args.Checkpoint)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	defer ckpt.Close()

	// §8 scenario 6: steps are clamped to the checkpoint's seq_len,
	// never the other way around.
	if args.Steps > ckpt.Config.SeqLen {
		args.Steps = ckpt.Config.SeqLen
	}

	tokPath := deriveTokenizerPath(args.Checkpoint)
	tok, err := tokenizer.Load(tokPath, ckpt.Config.VocabSize)
	if err != nil {
		return fmt.Errorf("load tokenizer: %w", err)
	}

	backend := newBackend()
	transformer, err := gpu.NewTransformer(backend, ckpt.Config, ckpt.Weights)
	if err != nil {
		return fmt.Errorf("init GPU transformer: %w", err)
	}
	defer func() {
		if err := transformer.Close(); err != nil {
			logrus.Errorf("gpu: teardown: %v", err)
		}
	}()

	// Static weights are uploaded; the checkpoint's memory map can go.
	if err := ckpt.Close(); err != nil {
		logrus.Errorf("checkpoint: close: %v", err)
	}

	promptTokens, err := tok.Encode(args.Prompt)
	if err != nil {
		return fmt.Errorf("encode prompt: %w", err)
	}

	s := sampler.New(transformer, ckpt.Config.VocabSize, args.Temperature, args.TopP, args.Seed)

	const bosToken = 1
	token := bosToken
	var start time.Time
	pos := 0

	for ; pos < args.Steps; pos++ {
		if err := transformer.Step(token, pos); err != nil {
			return fmt.Errorf("step %d: %w", pos, err)
		}

		var next int
		if pos < len(promptTokens) {
			next = promptTokens[pos]
		} else {
			next, err = s.Next()
			if err != nil {
				return fmt.Errorf("sample at step %d: %w", pos, err)
			}
		}

		if next == bosToken {
			pos++
			break
		}

		piece := tok.Piece(next)
		// SentencePiece convention: strip the leading space artifact
		// that follows BOS.
		if token == bosToken {
			piece = strings.TrimPrefix(piece, " ")
		}
		fmt.Print(piece)

		token = next
		if start.IsZero() {
			start = time.Now()
		}
	}
	fmt.Println()

	if pos > 1 {
		elapsedMs := float64(time.Since(start).Microseconds()) / 1000.0
		logrus.Infof("achieved tok/s: %f", float64(pos-1)*1000.0/elapsedMs)
	}
	return nil
}

func deriveTokenizerPath(checkpointPath string) string {
	dir := ""
	if idx := strings.LastIndexByte(checkpointPath, '/'); idx >= 0 {
		dir = checkpointPath[:idx+1]
	}
	return dir + "tokenizer.bin"
}
