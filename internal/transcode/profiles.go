package transcode

import (
	"sort"
	"strconv"
	"strings"

	"vidqueue/internal/config"
)

// Profile describes how one target format is produced.
type Profile struct {
	Format      string
	Extension   string
	ContentType string
	codecArgs   func(cfg config.Transcode) []string
}

var profiles = map[string]Profile{
	"mp4": {
		Format:      "mp4",
		Extension:   ".mp4",
		ContentType: "video/mp4",
		codecArgs: func(cfg config.Transcode) []string {
			return append(x264Args(cfg), "-movflags", "+faststart")
		},
	},
	"mov": {
		Format:      "mov",
		Extension:   ".mov",
		ContentType: "video/quicktime",
		codecArgs: func(cfg config.Transcode) []string {
			return append(x264Args(cfg), "-f", "mov")
		},
	},
	"mkv": {
		Format:      "mkv",
		Extension:   ".mkv",
		ContentType: "video/x-matroska",
		codecArgs: func(cfg config.Transcode) []string {
			return []string{"-c:v", cfg.VideoCodec, "-c:a", cfg.AudioCodec, "-f", "matroska"}
		},
	},
	"webm": {
		Format:      "webm",
		Extension:   ".webm",
		ContentType: "video/webm",
		codecArgs: func(config.Transcode) []string {
			return []string{"-c:v", "libvpx-vp9", "-crf", "30", "-b:v", "0", "-c:a", "libopus", "-b:a", "128k"}
		},
	},
	"avi": {
		Format:      "avi",
		Extension:   ".avi",
		ContentType: "video/x-msvideo",
		codecArgs: func(config.Transcode) []string {
			return []string{"-c:v", "mpeg4", "-q:v", "5", "-c:a", "libmp3lame", "-q:a", "2"}
		},
	},
	"gif": {
		Format:      "gif",
		Extension:   ".gif",
		ContentType: "image/gif",
		codecArgs: func(config.Transcode) []string {
			return []string{
				"-an",
				"-vf", "fps=15,scale=480:-1:flags=lanczos",
				"-c:v", "gif",
				"-loop", "0",
			}
		},
	},
	"mp3": {
		Format:      "mp3",
		Extension:   ".mp3",
		ContentType: "audio/mpeg",
		codecArgs: func(config.Transcode) []string {
			return []string{"-vn", "-c:a", "libmp3lame", "-b:a", "192k"}
		},
	},
}

func x264Args(cfg config.Transcode) []string {
	return []string{
		"-c:v", cfg.VideoCodec,
		"-preset", cfg.Preset,
		"-crf", strconv.Itoa(cfg.CRF),
		"-c:a", cfg.AudioCodec,
		"-b:a", "128k",
	}
}

// LookupProfile returns the profile for a format id (case-insensitive).
func LookupProfile(format string) (Profile, bool) {
	p, ok := profiles[strings.ToLower(strings.TrimSpace(format))]
	return p, ok
}

// Supported reports whether format can be produced.
func Supported(format string) bool {
	_, ok := LookupProfile(format)
	return ok
}

// Formats lists the supported format ids in sorted order.
func Formats() []string {
	out := make([]string, 0, len(profiles))
	for id := range profiles {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// OutputKey is the object key a job's converted file is stored under.
func OutputKey(jobID string, p Profile) string {
	return "converted/" + jobID + p.Extension
}

// Args builds the full ffmpeg argument list. Progress is written as key=value
// lines on stdout; warnings and errors go to stderr.
func (p Profile) Args(cfg config.Transcode, input, output string) []string {
	args := []string{
		"-hide_banner",
		"-nostdin",
		"-loglevel", "warning",
		"-nostats",
		"-progress", "pipe:1",
		"-y",
		"-i", input,
	}
	args = append(args, p.codecArgs(cfg)...)
	return append(args, output)
}
