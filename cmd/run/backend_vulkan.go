//go:build vulkan

package main

import (
	"github.com/cgoxopx/llama2.c/internal/gpu"
	"github.com/cgoxopx/llama2.c/internal/gpu/vulkan"
)

func newBackend() gpu.Backend {
	return vulkan.New()
}
