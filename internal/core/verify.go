// internal/core/verify.go
package core

import (
	"context"
	"path"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Verifier checks whether a solution's media files are present on a headset.
type Verifier struct {
	ops         *BridgeOps
	uploadPath  string
	concurrency int
}

// NewVerifier creates a verifier probing files under uploadPath with at most
// concurrency probes in flight.
func NewVerifier(ops *BridgeOps, uploadPath string, concurrency int) *Verifier {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Verifier{ops: ops, uploadPath: uploadPath, concurrency: concurrency}
}

// RemotePath returns where a manifest media path lives on the device.
func (v *Verifier) RemotePath(media string) string {
	return path.Join(v.uploadPath, media)
}

// QuickCheck probes only the first file of each non-empty category.
func (v *Verifier) QuickCheck(ctx context.Context, serial string, sol *SolutionOnDevice) (bool, error) {
	for _, c := range Categories {
		files := sol.Media[c]
		if len(files) == 0 {
			continue
		}
		ok, err := v.ops.FileExists(ctx, serial, v.RemotePath(files[0]))
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// ExhaustiveCheck stats every file of the solution concurrently and returns
// whether all of them exist along with their summed size. The first missing
// file stops every probe that has not started yet.
func (v *Verifier) ExhaustiveCheck(ctx context.Context, serial string, sol *SolutionOnDevice) (bool, int64, error) {
	var files []string
	for _, c := range Categories {
		files = append(files, sol.Media[c]...)
	}
	if len(files) == 0 {
		return true, 0, nil
	}

	var aborted atomic.Bool
	sizes := make([]int64, len(files))
	found := make([]bool, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.concurrency)

	for i, media := range files {
		if aborted.Load() {
			break
		}
		i, remote := i, v.RemotePath(media)
		g.Go(func() error {
			if aborted.Load() {
				return nil
			}
			size, err := v.ops.FileSize(gctx, serial, remote)
			if err != nil {
				aborted.Store(true)
				if IsRemoteFailure(err) {
					return nil
				}
				return err
			}
			sizes[i] = size
			found[i] = true
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return false, 0, err
	}
	if aborted.Load() {
		return false, 0, nil
	}

	var total int64
	for i := range files {
		if !found[i] {
			return false, 0, nil
		}
		total += sizes[i]
	}
	return true, total, nil
}
