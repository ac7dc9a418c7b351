package upload

import (
	"path"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const maxFilenameLength = 200

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// normalizeFilename folds a client filename into a short ASCII form that is
// safe to echo in a Content-Disposition header.
func normalizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "." || name == "/" {
		return ""
	}
	folded, _, err := transform.String(stripMarks, name)
	if err != nil {
		folded = name
	}
	var b strings.Builder
	lastUnderscore := false
	for _, r := range folded {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '-'):
			b.WriteRune(r)
			lastUnderscore = false
		case !lastUnderscore:
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "_.")
	if len(out) > maxFilenameLength {
		out = out[len(out)-maxFilenameLength:]
	}
	return out
}

// uploadExtension returns the lowercase extension used for the reserved
// object key, defaulting to .mp4.
func uploadExtension(filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	if len(ext) < 2 || len(ext) > 8 {
		return ".mp4"
	}
	for _, r := range ext[1:] {
		if !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') {
			return ".mp4"
		}
	}
	return ext
}

// downloadName picks the attachment name for a converted file: the original
// stem with the output extension.
func downloadName(original, outputLocation string) string {
	ext := path.Ext(outputLocation)
	if original == "" {
		return path.Base(outputLocation)
	}
	stem := strings.TrimSuffix(original, path.Ext(original))
	if stem == "" {
		return path.Base(outputLocation)
	}
	return stem + ext
}
