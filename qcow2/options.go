package qcow2

// Default bounds for the per-image fuzz probability, in percent. The
// actual probability is drawn once per image from this range.
const (
	DefaultMinFuzzPercent = 10
	DefaultMaxFuzzPercent = 50
)

// GeneratorOption configures image generation.
type GeneratorOption func(*generatorOptions)

type generatorOptions struct {
	backingFileName   string
	backingFileFormat string
	seed              int64
	seedSet           bool
	minFuzzPercent    int
	maxFuzzPercent    int
}

func defaultGeneratorOptions() *generatorOptions {
	return &generatorOptions{
		minFuzzPercent: DefaultMinFuzzPercent,
		maxFuzzPercent: DefaultMaxFuzzPercent,
	}
}

// WithBackingFile configures a backing file name, and optionally its
// format, to be embedded in the generated image. The files themselves
// are never opened; only the header strings matter for fuzzing.
func WithBackingFile(name, format string) GeneratorOption {
	return func(o *generatorOptions) {
		o.backingFileName = name
		o.backingFileFormat = format
	}
}

// WithSeed fixes the random seed. A whole build, layout and fuzz
// decisions alike, is reproducible from the seed alone.
func WithSeed(seed int64) GeneratorOption {
	return func(o *generatorOptions) {
		o.seed = seed
		o.seedSet = true
	}
}

// WithFuzzPercent overrides the bounds the per-image fuzz probability is
// drawn from. Values are clamped to [0, 100].
func WithFuzzPercent(min, max int) GeneratorOption {
	return func(o *generatorOptions) {
		if min < 0 {
			min = 0
		}
		if max > 100 {
			max = 100
		}
		if max < min {
			max = min
		}
		o.minFuzzPercent = min
		o.maxFuzzPercent = max
	}
}
