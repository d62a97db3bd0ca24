package onnx

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"
)

// LibEnv names the variable onnxruntime_go's own examples use for the library location.
const LibEnv = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

// LibPath resolves the ONNX Runtime shared library. An explicit path wins,
// then LibEnv, then the usual install locations for the current OS.
func LibPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv(LibEnv); p != "" {
		return p
	}
	for _, p := range candidates(runtime.GOOS) {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func candidates(goos string) []string {
	switch goos {
	case "linux":
		return []string{
			filepath.Join("onnxlibs", "libonnxruntime.so"),
			"/usr/local/lib/libonnxruntime.so",
			"/usr/lib/libonnxruntime.so",
			"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
		}
	case "darwin":
		return []string{
			filepath.Join("onnxlibs", "libonnxruntime.dylib"),
			"/usr/local/lib/libonnxruntime.dylib",
			"/opt/homebrew/lib/libonnxruntime.dylib",
		}
	case "windows":
		return []string{filepath.Join("onnxlibs", "onnxruntime.dll")}
	default:
		return nil
	}
}

// Init points onnxruntime_go at the shared library and initializes the
// environment. The returned func tears the environment down.
func Init(explicit string) (func(), error) {
	path := LibPath(explicit)
	if path == "" {
		return nil, fmt.Errorf("ONNX Runtime library path could not be determined for %s", runtime.GOOS)
	}
	slog.Info("Using ONNX Runtime library", slog.String("path", path))

	ort.SetSharedLibraryPath(path)
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX Runtime environment: %w", err)
	}
	return func() {
		if err := ort.DestroyEnvironment(); err != nil {
			slog.Error("Failed to destroy ONNX Runtime environment", slog.String("error", err.Error()))
		}
	}, nil
}
