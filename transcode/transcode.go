// Package transcode runs caller-driven ffmpeg invocations without ever
// letting caller input escape into arbitrary command execution. Raw argument
// lists pass through a denylist/allowlist/safe-value validator before they
// are assembled into an argument vector, executed under a hard wall-clock
// timeout, and probed for metadata.
package transcode

import (
	"os"
	"time"

	"go.uber.org/zap"
)

const DefaultFFmpegBinary = "ffmpeg"
const DefaultFFprobeBinary = "ffprobe"

// DefaultProcessingTimeout bounds one ffmpeg run.
const DefaultProcessingTimeout = time.Second * 60

// DefaultProbeTimeout bounds one ffprobe run. Kept well under the
// processing timeout since probing is read-only and best-effort.
const DefaultProbeTimeout = time.Second * 10

const DefaultVideoCodec = "libx264"
const DefaultCRF = "23"

type PipelineOption func(*Pipeline)

// Pipeline holds the immutable configuration for compression requests.
// A single Pipeline is safe for concurrent use; requests share nothing but
// the temp directory namespace, and output names are collision-resistant.
type Pipeline struct {
	log *zap.Logger

	ffmpegBinary  string
	ffprobeBinary string

	processingTimeout time.Duration
	probeTimeout      time.Duration

	tempDir string

	defaultVideoCodec string
	defaultCRF        string
}

func WithFFmpegBinary(ffmpegBinary string) PipelineOption {
	return func(p *Pipeline) {
		p.ffmpegBinary = ffmpegBinary
	}
}

func WithFFprobeBinary(ffprobeBinary string) PipelineOption {
	return func(p *Pipeline) {
		p.ffprobeBinary = ffprobeBinary
	}
}

func WithProcessingTimeout(timeout time.Duration) PipelineOption {
	return func(p *Pipeline) {
		p.processingTimeout = timeout
	}
}

func WithProbeTimeout(timeout time.Duration) PipelineOption {
	return func(p *Pipeline) {
		p.probeTimeout = timeout
	}
}

func WithTempDir(tempDir string) PipelineOption {
	return func(p *Pipeline) {
		p.tempDir = tempDir
	}
}

func NewPipeline(parentLogger *zap.Logger, options ...PipelineOption) *Pipeline {
	pipeline := &Pipeline{
		log:               parentLogger.Named("transcode"),
		ffmpegBinary:      DefaultFFmpegBinary,
		ffprobeBinary:     DefaultFFprobeBinary,
		processingTimeout: DefaultProcessingTimeout,
		probeTimeout:      DefaultProbeTimeout,
		tempDir:           os.TempDir(),
		defaultVideoCodec: DefaultVideoCodec,
		defaultCRF:        DefaultCRF,
	}

	for _, option := range options {
		option(pipeline)
	}

	return pipeline
}
