package transcode

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxRawArgs is the hard cap on caller-supplied tokens, enforced at the
// request boundary before validation runs.
const MaxRawArgs = 20

// allowedFlags is the full set of transcoder flags a caller may use.
// Everything else is rejected by name.
var allowedFlags = map[string]struct{}{
	"-c:v":       {},
	"-vcodec":    {},
	"-c:a":       {},
	"-acodec":    {},
	"-b:v":       {},
	"-b:a":       {},
	"-crf":       {},
	"-s":         {},
	"-r":         {},
	"-vf":        {},
	"-preset":    {},
	"-tune":      {},
	"-profile:v": {},
	"-f":         {},
}

// forbiddenPatterns are scanned as substrings over the whole joined argument
// text, so an extra input flag or a device path is caught regardless of
// token boundaries.
var forbiddenPatterns = []string{
	"-i", "/dev/", "file://", "http://", "https://",
	"exec", "system", "pipe", "$(", "`",
}

// safeValuePatterns are the only shapes a value token containing dangerous
// characters may take. Plain values without dangerous characters pass
// without matching any of these.
var safeValuePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\d+$`),
	regexp.MustCompile(`^libx264$`),
	regexp.MustCompile(`^libx265$`),
	regexp.MustCompile(`^libvpx$`),
	regexp.MustCompile(`^aac$`),
	regexp.MustCompile(`^(ultrafast|superfast|veryfast|faster|fast|medium|slow|slower|veryslow)$`),
	regexp.MustCompile(`^\d+x\d+$`),
	regexp.MustCompile(`^scale=\d+:\d+$`),
}

const dangerousValueChars = "/\\|&;`$()"

// ValidatedArgs is an argument list that passed Validate. It is never
// constructed anywhere else, so holding one proves the tokens satisfied the
// denylist, allowlist and safe-value rules.
type ValidatedArgs struct {
	tokens []string
}

// Tokens returns a copy of the validated token sequence in original order.
func (v ValidatedArgs) Tokens() []string {
	return append([]string(nil), v.tokens...)
}

// Validate classifies a raw caller-supplied argument list. On success the
// token sequence is returned unchanged; on failure the error names the
// offending token or pattern. Validate is a pure function and spawns
// nothing.
func Validate(rawArgs []string) (ValidatedArgs, error) {
	if len(rawArgs) == 0 {
		return ValidatedArgs{}, nil
	}

	joined := strings.Join(rawArgs, " ")
	for _, forbidden := range forbiddenPatterns {
		if strings.Contains(joined, forbidden) {
			return ValidatedArgs{}, validationError(
				fmt.Sprintf("forbidden pattern detected: %s", forbidden),
				forbidden,
			)
		}
	}

	for _, arg := range rawArgs {
		if strings.HasPrefix(arg, "-") {
			if _, ok := allowedFlags[arg]; !ok {
				return ValidatedArgs{}, validationError(
					fmt.Sprintf("flag not allowed: %s", arg),
					arg,
				)
			}
			continue
		}

		if strings.ContainsAny(arg, dangerousValueChars) && !isSafeValue(arg) {
			return ValidatedArgs{}, validationError(
				fmt.Sprintf("potentially dangerous value: %s", arg),
				arg,
			)
		}
	}

	return ValidatedArgs{tokens: append([]string(nil), rawArgs...)}, nil
}

func isSafeValue(value string) bool {
	for _, pattern := range safeValuePatterns {
		if pattern.MatchString(value) {
			return true
		}
	}
	return false
}
