// internal/core/sync.go
package core

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// --- Push ---

// PushSolutions copies every solution the headset does not have yet from the
// library. Solutions absent from the library are skipped and must be
// delivered by hand. A failing solution does not stop the others.
func (h *Headset) PushSolutions(ctx context.Context) error {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	var errs []error
	for _, sol := range h.workingSolutions() {
		log := h.log().WithField("solution", sol.Name)

		if h.isInstalled(sol) {
			log.Debug("Solution already on device, skipping push")
			continue
		}

		entry, ok := h.deps.Library.Lookup(sol.Name)
		if !ok {
			log.Info("Solution not in library, skipping push")
			continue
		}

		if err := h.pushSolution(ctx, sol, entry, log); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *Headset) pushSolution(ctx context.Context, sol *SolutionOnDevice, entry *SolutionInLibrary, log *logrus.Entry) error {
	bridge := h.deps.Ops.Bridge()
	record := h.startTransfer(ctx, DirectionPush, sol.Name, entry.TotalSize)
	defer h.clearTransfer()

	var copied int64
	for _, c := range Categories {
		for _, media := range sol.Media[c] {
			local := filepath.Join(entry.Dir, c.Dir(), path.Base(media))
			remote := h.deps.Verifier.RemotePath(media)

			info, err := os.Stat(local)
			if err == nil {
				err = bridge.Push(ctx, h.serial, local, remote)
			}
			if err != nil {
				perr := &PartialTransferError{Direction: DirectionPush, Solution: sol.Name, File: media, Err: err}
				log.WithError(err).WithField("file", media).Error("Push aborted for solution")
				h.finishTransfer(ctx, record, copied, perr)
				return perr
			}

			copied += info.Size()
			record.FilesCopied++
			h.reportProgress(ctx, DirectionPush, sol.Name, transferProgress(copied, entry.TotalSize))
		}
	}

	h.stateMu.Lock()
	sol.Installed = true
	sol.Size = entry.TotalSize
	h.stateMu.Unlock()

	log.WithField("bytes", copied).Info("Solution pushed")
	h.finishTransfer(ctx, record, copied, nil)
	return nil
}

// --- Pull ---

// PullSolutions copies solutions present on the headset but missing from the
// library back into it. An existing library directory is never touched.
// Missing files are logged and skipped.
func (h *Headset) PullSolutions(ctx context.Context) error {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	library := h.deps.Library
	var errs []error
	pulled := 0

	for _, sol := range h.workingSolutions() {
		if !h.isInstalled(sol) {
			continue
		}
		if _, ok := library.Lookup(sol.Name); ok {
			continue
		}

		log := h.log().WithField("solution", sol.Name)
		dir := library.SolutionDir(sol.Name)
		if _, err := os.Stat(dir); err == nil {
			log.WithField("dir", dir).Info("Library directory already exists, skipping pull")
			continue
		}

		if err := h.pullSolution(ctx, sol, dir, log); err != nil {
			errs = append(errs, err)
			continue
		}
		pulled++
	}

	if pulled > 0 {
		if _, _, err := library.Refresh(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *Headset) pullSolution(ctx context.Context, sol *SolutionOnDevice, dir string, log *logrus.Entry) error {
	for _, c := range Categories {
		if err := os.MkdirAll(filepath.Join(dir, c.Dir()), 0o755); err != nil {
			return err
		}
	}

	h.stateMu.RLock()
	total := sol.Size
	h.stateMu.RUnlock()
	if total <= 0 {
		ok, size, err := h.deps.Verifier.ExhaustiveCheck(ctx, h.serial, sol)
		if err != nil {
			log.WithError(err).Warn("Failed to size solution before pull")
		} else if ok {
			total = size
			h.stateMu.Lock()
			sol.Size = size
			h.stateMu.Unlock()
		}
	}

	bridge := h.deps.Ops.Bridge()
	record := h.startTransfer(ctx, DirectionPull, sol.Name, total)
	defer h.clearTransfer()

	var copied int64
	var skipped error
	for _, c := range Categories {
		for _, media := range sol.Media[c] {
			local := filepath.Join(dir, c.Dir(), path.Base(media))
			if err := bridge.Pull(ctx, h.serial, h.deps.Verifier.RemotePath(media), local); err != nil {
				log.WithError(err).WithField("file", media).Warn("Failed to pull file, skipping")
				skipped = &PartialTransferError{Direction: DirectionPull, Solution: sol.Name, File: media, Err: err}
				continue
			}
			if info, err := os.Stat(local); err == nil {
				copied += info.Size()
			}
			record.FilesCopied++
			h.reportProgress(ctx, DirectionPull, sol.Name, transferProgress(copied, total))
		}
	}

	log.WithFields(logrus.Fields{
		"bytes": copied,
		"files": record.FilesCopied,
	}).Info("Solution pulled")
	h.finishTransfer(ctx, record, copied, skipped)
	return nil
}

// --- Progress and history ---

// transferProgress is copied/total as a percentage, capped at 100 for stale
// library sizes.
func transferProgress(copied, total int64) float64 {
	if total <= 0 {
		return 100
	}
	p := float64(copied) / float64(total) * 100
	if p > 100 {
		return 100
	}
	return p
}

func (h *Headset) isInstalled(sol *SolutionOnDevice) bool {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	return sol.Installed
}

func (h *Headset) startTransfer(ctx context.Context, direction, solution string, total int64) *TransferRecord {
	now := time.Now()
	record := &TransferRecord{
		TransferID: uuid.New().String(),
		Serial:     h.serial,
		Solution:   solution,
		Direction:  direction,
		Status:     TransferStatusRunning,
		TotalBytes: total,
		StartedAt:  &now,
	}

	h.stateMu.Lock()
	h.transfer = &TransferStatus{Direction: direction, Solution: solution}
	h.stateMu.Unlock()

	if h.deps.Repo != nil {
		if err := h.deps.Repo.CreateTransfer(ctx, record); err != nil {
			h.log().WithError(err).Warn("Failed to record transfer")
		}
	}
	return record
}

func (h *Headset) reportProgress(ctx context.Context, direction, solution string, progress float64) {
	h.stateMu.Lock()
	if h.transfer != nil {
		h.transfer.Progress = progress
	}
	h.stateMu.Unlock()

	ev := NewEvent(EventTransferProgress, h.serial)
	ev.Solution = solution
	ev.Direction = direction
	ev.Progress = progress
	h.publish(ctx, ev)
}

func (h *Headset) finishTransfer(ctx context.Context, record *TransferRecord, copied int64, failure error) {
	now := time.Now()
	record.BytesCopied = copied
	record.CompletedAt = &now

	ev := NewEvent(EventTransferCompleted, h.serial)
	switch {
	case failure == nil:
		record.Status = TransferStatusCompleted
	case record.FilesCopied > 0:
		record.Status = TransferStatusPartial
	default:
		record.Status = TransferStatusFailed
	}
	if failure != nil {
		record.FailureReason = failure.Error()
		ev.Type = EventTransferFailed
		ev.Message = failure.Error()
	}
	ev.Solution = record.Solution
	ev.Direction = record.Direction
	h.publish(ctx, ev)

	if h.deps.Repo != nil {
		if err := h.deps.Repo.UpdateTransfer(ctx, record); err != nil {
			h.log().WithError(err).Warn("Failed to update transfer record")
		}
	}
}

func (h *Headset) clearTransfer() {
	h.stateMu.Lock()
	h.transfer = nil
	h.stateMu.Unlock()
}
