package transcode

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strconv"

	"go.uber.org/zap"
)

// Metadata describes a probed media file. Duration and Format are nil when
// the probe failed or the tool didn't report them; absent fields are
// informational, never an error.
type Metadata struct {
	Duration  *float64 `json:"duration,omitempty"`
	Format    *string  `json:"format,omitempty"`
	Streams   int      `json:"streams"`
	SizeBytes int64    `json:"size_bytes"`
}

type ffprobeDocument struct {
	Format struct {
		Duration   string `json:"duration"`
		FormatName string `json:"format_name"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
	} `json:"streams"`
}

// Probe inspects a media file with a fixed read-only argument set under the
// probe timeout. It always returns a usable Metadata: if ffprobe is
// missing, fails or emits garbage, the structured fields are simply absent.
func (p *Pipeline) Probe(ctx context.Context, filePath string) Metadata {
	metadata := Metadata{}
	if info, err := os.Stat(filePath); err == nil {
		metadata.SizeBytes = info.Size()
	}

	ctx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.ffprobeBinary,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		filePath,
	)

	output, err := cmd.Output()
	if err != nil {
		p.log.With(zap.String("path", filePath), zap.Error(err)).Debug("probe failed")
		return metadata
	}

	var document ffprobeDocument
	if err := json.Unmarshal(output, &document); err != nil {
		p.log.With(zap.String("path", filePath), zap.Error(err)).Debug("parsing probe output")
		return metadata
	}

	if document.Format.FormatName != "" {
		formatName := document.Format.FormatName
		metadata.Format = &formatName
	}
	if duration, err := strconv.ParseFloat(document.Format.Duration, 64); err == nil {
		metadata.Duration = &duration
	}
	metadata.Streams = len(document.Streams)

	return metadata
}
