package mnist

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
)

// Source selects where the dataset comes from.
type Source string

// Supported sources.
const (
	SourceKeras     Source = "keras"
	SourceIDX       Source = "idx"
	SourceSynthetic Source = "synthetic"
)

// ParseSource validates a source name.
func ParseSource(s string) (Source, error) {
	switch src := Source(strings.ToLower(s)); src {
	case SourceKeras, SourceIDX, SourceSynthetic:
		return src, nil
	default:
		return "", fmt.Errorf("unknown data source %q (want keras, idx or synthetic)", s)
	}
}

// Options configures Load.
type Options struct {
	Source   Source
	DataDir  string // IDX directory
	CacheDir string // where mnist.npz is cached
	URL      string // defaults to DefaultURL
	SHA256   string // defaults to DefaultSHA256 when URL is the default

	Client *http.Client
	Logger *slog.Logger

	// LimitTrain and LimitTest keep only the first samples when positive.
	LimitTrain int
	LimitTest  int

	Seed int64 // synthetic source only
}

// Load returns the dataset from the configured source.
func Load(ctx context.Context, opts Options) (*Dataset, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var (
		ds  *Dataset
		err error
	)
	switch opts.Source {
	case SourceKeras, "":
		ds, err = loadKeras(ctx, opts, logger)
	case SourceIDX:
		ds, err = LoadIDX(opts.DataDir)
	case SourceSynthetic:
		ds = Synthetic(limitOr(opts.LimitTrain, TrainSize), limitOr(opts.LimitTest, TestSize), opts.Seed)
	default:
		_, err = ParseSource(string(opts.Source))
	}
	if err != nil {
		return nil, fmt.Errorf("load mnist (%s): %w", opts.Source, err)
	}

	ds.Train = ds.Train.Limit(opts.LimitTrain)
	ds.Test = ds.Test.Limit(opts.LimitTest)
	logger.Debug("dataset loaded", "source", opts.Source, "train", ds.Train.Len(), "test", ds.Test.Len())
	return ds, nil
}

func loadKeras(ctx context.Context, opts Options, logger *slog.Logger) (*Dataset, error) {
	url, digest := opts.URL, opts.SHA256
	if url == "" {
		url = DefaultURL
		if digest == "" {
			digest = DefaultSHA256
		}
	}
	if opts.CacheDir == "" {
		return nil, fmt.Errorf("cache dir is required for the keras source")
	}

	path := filepath.Join(opts.CacheDir, DefaultFileName)
	if err := Fetch(ctx, opts.Client, url, path, digest, logger); err != nil {
		return nil, err
	}
	return ReadNPZ(path)
}

func limitOr(limit, n int) int {
	if limit > 0 && limit < n {
		return limit
	}
	return n
}
