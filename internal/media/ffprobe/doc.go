// Package ffprobe runs ffprobe and decodes the parts of its JSON output the
// transcode invoker uses: input duration for progress percentages and stream
// inventory for output verification.
package ffprobe
