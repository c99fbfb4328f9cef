package cmd

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"example.com/backstage/services/headset/internal/core"
	"example.com/backstage/services/headset/internal/infrastructure"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	republishSerial      string
	republishType        string
	republishLimit       int
	republishDryRun      bool
	republishConcurrency int
)

var republishCmd = &cobra.Command{
	Use:   "republish",
	Short: "Republish journaled fleet events to Service Bus",
	Long: `Replays the events that could not be delivered to Service Bus and were
written to the local journal. Delivered events are removed from the journal.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRepublish(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(republishCmd)

	republishCmd.Flags().StringVarP(&republishSerial, "serial", "s", "", "Only republish events of this headset serial")
	republishCmd.Flags().StringVarP(&republishType, "type", "t", "", "Only republish events of this type (e.g. install.failed)")
	republishCmd.Flags().IntVarP(&republishLimit, "limit", "l", 1000, "Maximum number of events to process")
	republishCmd.Flags().BoolVar(&republishDryRun, "dry-run", false, "Show what would be republished without actually sending")
	republishCmd.Flags().IntVar(&republishConcurrency, "concurrency", 10, "Number of concurrent senders")
}

// RepublishStats contains statistics about the republish operation
type RepublishStats struct {
	TotalProcessed int
	Successful     int
	Failed         int
	Skipped        int
}

func runRepublish(ctx context.Context) error {
	logger.Info("Starting event republish...")

	wal, err := infrastructure.NewWAL(cfg.Storage.WALPath)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer wal.Close()

	var sender eventSender
	if !republishDryRun {
		messaging, err := infrastructure.NewMessaging(cfg.ServiceBus, nil, logger)
		if err != nil {
			return fmt.Errorf("messaging connection failed: %w", err)
		}
		defer messaging.Close()
		sender = messaging
	}

	r := &EventRepublisher{
		wal:         wal,
		sender:      sender,
		logger:      logger,
		dryRun:      republishDryRun,
		concurrency: republishConcurrency,
	}

	stats, err := r.Republish(ctx, RepublishCriteria{
		Serial: republishSerial,
		Type:   core.EventType(republishType),
		Limit:  republishLimit,
	})
	if err != nil {
		return fmt.Errorf("republish failed: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"total_processed": stats.TotalProcessed,
		"successful":      stats.Successful,
		"failed":          stats.Failed,
		"skipped":         stats.Skipped,
		"dry_run":         republishDryRun,
	}).Info("Republish completed")

	if stats.Failed > 0 {
		logger.Warnf("Failed to republish %d events", stats.Failed)
	}
	return nil
}

// RepublishCriteria selects journaled events.
type RepublishCriteria struct {
	Serial string
	Type   core.EventType
	Limit  int
}

func (c RepublishCriteria) matches(e core.Event) bool {
	if c.Serial != "" && e.Serial != c.Serial {
		return false
	}
	if c.Type != "" && e.Type != c.Type {
		return false
	}
	return true
}

type eventSender interface {
	Send(ctx context.Context, event core.Event) error
}

// EventRepublisher replays journaled events.
type EventRepublisher struct {
	wal         *infrastructure.WAL
	sender      eventSender
	logger      *logrus.Logger
	dryRun      bool
	concurrency int
}

// Republish sends the matching journal entries and rewrites the journal with
// everything that was not delivered.
func (r *EventRepublisher) Republish(ctx context.Context, criteria RepublishCriteria) (*RepublishStats, error) {
	stats := &RepublishStats{}

	entries, err := r.wal.ReadAll()
	if err != nil {
		return stats, err
	}

	var selected []int
	for i, entry := range entries {
		if !criteria.matches(entry.Event) || (criteria.Limit > 0 && len(selected) >= criteria.Limit) {
			stats.Skipped++
			continue
		}
		selected = append(selected, i)
	}
	stats.TotalProcessed = len(selected)
	r.logger.Infof("Found %d events to process", len(selected))

	if r.dryRun {
		r.logger.Info("DRY RUN: No events will be sent")
		for _, i := range selected {
			e := entries[i].Event
			r.logger.WithFields(logrus.Fields{
				"event_id":    e.ID,
				"serial":      e.Serial,
				"type":        e.Type,
				"journaled":   entries[i].Timestamp,
				"last_reason": entries[i].Reason,
			}).Info("Would republish event")
		}
		return stats, nil
	}
	if r.sender == nil {
		return stats, errors.New("no event sender configured")
	}

	concurrency := r.concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	delivered := make([]bool, len(entries))
	var mu sync.Mutex
	var wg sync.WaitGroup
	semaphore := make(chan struct{}, concurrency)

	for _, i := range selected {
		semaphore <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer func() { <-semaphore; wg.Done() }()

			err := r.sender.Send(ctx, entries[i].Event)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.Failed++
				entries[i].Reason = err.Error()
				r.logger.WithError(err).WithField("event_id", entries[i].Event.ID).Error("Failed to republish event")
				return
			}
			stats.Successful++
			delivered[i] = true
		}(i)
	}
	wg.Wait()

	remaining := make([]infrastructure.WALEntry, 0, len(entries)-stats.Successful)
	for i, entry := range entries {
		if !delivered[i] {
			remaining = append(remaining, entry)
		}
	}
	if err := r.wal.Rewrite(remaining); err != nil {
		return stats, fmt.Errorf("failed to rewrite journal: %w", err)
	}
	return stats, nil
}
