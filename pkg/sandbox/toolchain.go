package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// buildImage is the pinned toolchain container used in docker mode. Pinning
// by digest-stable tag keeps compilation deterministic across the fleet.
const buildImage = "rust:1.82-slim"

// supported toolchain targets; one tag per WASM/WASI ABI generation.
var supportedTargets = map[string]bool{
	"wasm32-wasi":   true,
	"wasm32-wasip1": true,
}

// DefaultResolver returns the standard ToolchainResolver: a Rust/cargo
// build producing a WASM binary for the requested target. Crates carrying a
// build.rs are rejected before the toolchain runs, since build scripts
// execute arbitrary code at compile time.
func DefaultResolver(mode Mode) ToolchainResolver {
	return func(buildTarget, workDir, buildPath, outputPath string) (*exec.Cmd, error) {
		if !supportedTargets[buildTarget] {
			return nil, fmt.Errorf("unsupported build target %q", buildTarget)
		}

		srcDir := workDir
		if buildPath != "" {
			srcDir = filepath.Join(workDir, buildPath)
		}
		if _, err := os.Stat(filepath.Join(srcDir, "build.rs")); err == nil {
			return nil, fmt.Errorf("crate declares a build script (build.rs); compile-time code execution is not permitted")
		}

		switch mode {
		case ModeDocker:
			rel, err := filepath.Rel(workDir, srcDir)
			if err != nil {
				return nil, fmt.Errorf("build path escapes workspace: %w", err)
			}
			containerScript := fmt.Sprintf(
				"cargo build --locked --release --target %s && cp target/%s/release/*.wasm /src/out.wasm",
				buildTarget, buildTarget)
			cmd := exec.Command("docker", "run", "--rm",
				"--network", "none",
				"--memory", "2g",
				"--pids-limit", "256",
				"-v", workDir+":/src",
				"-w", filepath.Join("/src", rel),
				buildImage, "sh", "-c", containerScript)
			return cmd, nil

		case ModeNative:
			buildScript := fmt.Sprintf(
				"cargo build --locked --release --target %s && cp target/%s/release/*.wasm %s",
				buildTarget, buildTarget, outputPath)
			cmd := exec.Command("sh", "-c", buildScript)
			cmd.Dir = srcDir
			return cmd, nil

		default:
			return nil, fmt.Errorf("unknown compilation mode %q", mode)
		}
	}
}
