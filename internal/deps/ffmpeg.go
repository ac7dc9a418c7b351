package deps

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// TranscodeRequirements lists the binaries a worker needs. ffprobe becomes
// mandatory when output verification is on.
func TranscodeRequirements(ffmpegBinary, ffprobeBinary string, verifyOutput bool) []Requirement {
	probeDesc := "Used to read input duration for progress reporting"
	if verifyOutput {
		probeDesc = "Required to verify transcoded output"
	}
	return []Requirement{
		{
			Name:        "FFmpeg",
			Command:     ResolveBinary(ffmpegBinary, "ffmpeg"),
			Description: "Required for transcoding",
		},
		{
			Name:        "FFprobe",
			Command:     ResolveBinary(ffprobeBinary, "ffprobe"),
			Description: probeDesc,
			Optional:    !verifyOutput,
		},
	}
}

// ResolveBinary returns the configured command, or fallback when none is set.
// A configured path that points at a file is returned as is; bare names are
// resolved on PATH by CheckBinaries.
func ResolveBinary(configured, fallback string) string {
	configured = strings.TrimSpace(configured)
	if configured == "" {
		return fallback
	}
	return configured
}

// CheckExecutable reports whether path names an executable regular file.
// Bare command names are looked up on PATH.
func CheckExecutable(name, command string) Status {
	result := Status{Name: name, Command: command}
	if command == "" {
		result.Detail = "command not configured"
		return result
	}
	resolved := command
	if !strings.ContainsRune(command, filepath.Separator) {
		found, err := exec.LookPath(command)
		if err != nil {
			result.Detail = fmt.Sprintf("binary %q not found", command)
			return result
		}
		resolved = found
	}
	info, err := os.Stat(resolved)
	if err != nil {
		result.Detail = fmt.Sprintf("binary %q not found", command)
		return result
	}
	if !isExecutable(info) {
		result.Detail = fmt.Sprintf("%s is not executable", resolved)
		return result
	}
	result.Command = resolved
	result.Available = true
	return result
}

func isExecutable(info os.FileInfo) bool {
	if info == nil {
		return false
	}
	if info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}
