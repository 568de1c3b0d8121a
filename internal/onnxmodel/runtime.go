package onnxmodel

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var envMu sync.Mutex

// initRuntime points onnxruntime_go at the shared library and initializes the
// process-wide environment once.
func initRuntime(modelDir string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	libPath := resolveSharedLibraryPath(modelDir)
	if libPath == "" {
		return fmt.Errorf("onnxruntime shared library not found; set ONNXRUNTIME_SHARED_LIBRARY_PATH or install the runtime")
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnxruntime: %w", err)
	}
	return nil
}

// resolveSharedLibraryPath locates a platform-specific onnxruntime library.
// ONNXRUNTIME_SHARED_LIBRARY_PATH wins; otherwise common names/locations are probed.
func resolveSharedLibraryPath(modelDir string) string {
	if env := strings.TrimSpace(os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")); env != "" {
		return env
	}

	names := []string{
		"libonnxruntime.dylib",
		"onnxruntime.dylib",
		"libonnxruntime.so",
		"onnxruntime.so",
		"onnxruntime.dll",
	}
	dirs := []string{
		modelDir,
		filepath.Join(modelDir, "lib"),
		".",
		"/opt/homebrew/lib",
		"/usr/local/lib",
		"/usr/lib",
	}
	for _, dir := range dirs {
		for _, name := range names {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}

// resolveModelPath returns the first ONNX graph found in the bundle.
func resolveModelPath(dir string) (string, error) {
	candidates := []string{
		filepath.Join(dir, "model.onnx"),
		filepath.Join(dir, "onnx", "model.onnx"),
		filepath.Join(dir, "model.int8.onnx"),
		filepath.Join(dir, "onnx", "model_quantized.onnx"),
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no onnx model found in %s (tried model.onnx, onnx/model.onnx, model.int8.onnx)", dir)
}
