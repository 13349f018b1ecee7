package main

import (
	"bufio"
	"context"
	"log/slog"
	"math/bits"
	"os"
	"sort"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/marketplace-orders/internal/domain/coupon"
)

// maxSources bounds the number of files, one bit per file in a uint64.
const maxSources = 64

type matchOptions struct {
	// Capacity and FPR size each per-file bloom filter.
	Capacity      uint
	FPR           float64
	MinSources    int
	MinLen        int
	MaxLen        int
	ProgressEvery uint64
}

func (o matchOptions) accepts(code string) bool {
	return len(code) >= o.MinLen && len(code) <= o.MaxLen
}

// matchCodes returns, sorted, the normalized codes found in at least
// MinSources of the gzip-compressed files.
//
// Pass one builds a bloom filter per file. Pass two re-reads each file and
// keeps codes some other filter may contain, tagged with the file's bit.
// Merging the tags discards bloom false positives: a code is kept only if
// it was actually read from enough files.
func matchCodes(ctx context.Context, files []string, opts matchOptions) ([]string, error) {
	if len(files) > maxSources {
		return nil, errors.Errorf("at most %d files are supported, got %d", maxSources, len(files))
	}
	if opts.MinSources < 1 || opts.MinSources > len(files) {
		return nil, errors.Errorf("min sources %d outside [1, %d]", opts.MinSources, len(files))
	}

	slog.Info("pass 1: building bloom filters", slog.Int("files", len(files)))
	filters, err := buildFilters(ctx, files, opts)
	if err != nil {
		return nil, errors.Wrap(err, "build bloom filters")
	}

	slog.Info("pass 2: finding candidate codes")
	masks := make([]map[string]uint64, len(files))
	g, gctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			m, err := scanCandidates(gctx, i, path, filters, opts)
			masks[i] = m
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "find candidates")
	}

	merged := make(map[string]uint64)
	for _, m := range masks {
		for code, mask := range m {
			merged[code] |= mask
		}
	}

	var codes []string
	for code, mask := range merged {
		if bits.OnesCount64(mask) >= opts.MinSources {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes, nil
}

func buildFilters(ctx context.Context, files []string, opts matchOptions) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			filter := bloom.NewWithEstimates(opts.Capacity, opts.FPR)
			var count uint64
			err := streamCodes(ctx, path, func(code string) {
				if !opts.accepts(code) {
					return
				}
				filter.AddString(code)
				count++
				if opts.ProgressEvery > 0 && count%opts.ProgressEvery == 0 {
					slog.Info("pass 1 progress", slog.Int("file", i+1), slog.Uint64("codes", count))
				}
			})
			if err != nil {
				return errors.Wrapf(err, "file %d", i+1)
			}
			slog.Info("pass 1 complete", slog.Int("file", i+1), slog.Uint64("total_codes", count))
			filters[i] = filter
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return filters, nil
}

func scanCandidates(
	ctx context.Context,
	idx int,
	path string,
	filters []*bloom.BloomFilter,
	opts matchOptions,
) (map[string]uint64, error) {
	candidates := make(map[string]uint64)
	bit := uint64(1) << uint(idx)

	err := streamCodes(ctx, path, func(code string) {
		if !opts.accepts(code) {
			return
		}
		if opts.MinSources == 1 {
			candidates[code] |= bit
			return
		}
		for j, f := range filters {
			if j != idx && f.TestString(code) {
				candidates[code] |= bit
				return
			}
		}
	})
	if err != nil {
		return nil, errors.Wrapf(err, "file %d", idx+1)
	}

	slog.Info("pass 2 complete", slog.Int("file", idx+1), slog.Int("candidates", len(candidates)))
	return candidates, nil
}

// streamCodes calls fn with each normalized non-empty line of a gzip file.
func streamCodes(ctx context.Context, path string, fn func(code string)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if code := coupon.NormalizeCode(scanner.Text()); code != "" {
			fn(code)
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}
