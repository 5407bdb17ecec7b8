package transcode

import "strings"

// Command is one fully assembled transcoder invocation. The vector contains
// exactly one input pair and one trailing output path, both chosen by the
// pipeline rather than the caller.
type Command struct {
	Binary string
	Args   []string
}

// String renders the invocation for logging and result echoing. It is not
// shell-safe and must never be executed.
func (c Command) String() string {
	return strings.Join(append([]string{c.Binary}, c.Args...), " ")
}

// BuildCommand assembles the argument vector: input pair, validated tokens
// in original order, defaults for any missing codec/quality flag, then the
// overwrite flag and output path. Identical inputs produce an identical
// vector.
func (p *Pipeline) BuildCommand(inputPath, outputPath string, validated ValidatedArgs) Command {
	tokens := validated.Tokens()

	args := make([]string, 0, len(tokens)+8)
	args = append(args, "-i", inputPath)
	args = append(args, tokens...)

	// Presence checks are exact matches on the flag name. A prefix match
	// would let a token that merely shares leading characters with a codec
	// flag suppress the default.
	if !hasFlag(tokens, "-c:v") && !hasFlag(tokens, "-vcodec") {
		args = append(args, "-c:v", p.defaultVideoCodec)
	}
	if !hasFlag(tokens, "-crf") {
		args = append(args, "-crf", p.defaultCRF)
	}

	args = append(args, "-y", outputPath)

	return Command{Binary: p.ffmpegBinary, Args: args}
}

func hasFlag(tokens []string, flag string) bool {
	for _, token := range tokens {
		if token == flag {
			return true
		}
	}
	return false
}
