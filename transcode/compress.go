package transcode

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kvanite/squish/utils"
)

// OutputFormats is the closed set of container formats a caller may request.
var OutputFormats = map[string]struct{}{
	"mp4":  {},
	"avi":  {},
	"mov":  {},
	"mkv":  {},
	"webm": {},
}

// AllowedOutputFormat reports whether format may be requested as an output
// container.
func AllowedOutputFormat(format string) bool {
	_, ok := OutputFormats[format]
	return ok
}

// CompressionResult is handed to the caller on success. The caller takes
// ownership of the artifact at OutputPath and is responsible for removing
// it once uploaded or discarded.
type CompressionResult struct {
	OutputPath string
	InputInfo  Metadata
	OutputInfo Metadata
	// Elapsed is measured around the transcoder run only, excluding both
	// probes.
	Elapsed time.Duration
	Command Command
}

// Compress runs the full pipeline: validate, build, probe input, execute,
// probe output. Validation failures are returned before anything is
// spawned. On any execution failure the partial output artifact is removed;
// filesystem state is unchanged except for the caller-owned artifact on
// success.
func (p *Pipeline) Compress(ctx context.Context, inputPath string, rawArgs []string, outputFormat string) (*CompressionResult, error) {
	log := utils.GetLogFromContext(ctx, p.log)

	validated, err := Validate(rawArgs)
	if err != nil {
		return nil, err
	}
	if !AllowedOutputFormat(outputFormat) {
		return nil, validationError(
			fmt.Sprintf("output format not allowed: %s", outputFormat),
			outputFormat,
		)
	}

	outputPath := p.generateOutputPath(outputFormat)
	command := p.BuildCommand(inputPath, outputPath, validated)

	log.With(zap.String("command", command.String())).Debug("built transcoder command")

	inputInfo := p.Probe(ctx, inputPath)

	result, err := p.run(ctx, command)
	if err != nil {
		// The transcoder may have left a partial artifact behind.
		_ = os.Remove(outputPath)
		return nil, err
	}

	outputInfo := p.Probe(ctx, outputPath)

	log.With(
		zap.Duration("elapsed", result.Elapsed),
		zap.Int64("input_bytes", inputInfo.SizeBytes),
		zap.Int64("output_bytes", outputInfo.SizeBytes),
	).Info("compression finished")

	return &CompressionResult{
		OutputPath: outputPath,
		InputInfo:  inputInfo,
		OutputInfo: outputInfo,
		Elapsed:    result.Elapsed,
		Command:    command,
	}, nil
}

func (p *Pipeline) generateOutputPath(outputFormat string) string {
	id := uuid.New()
	return filepath.Join(p.tempDir, fmt.Sprintf("compressed_%x.%s", id[:], outputFormat))
}
