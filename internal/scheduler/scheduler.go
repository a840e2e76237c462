package scheduler

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/stewardai/governor/internal/holdqueue"
)

type Config struct {
	Interval time.Duration
	Logger   *log.Logger
}

// RunWorker sweeps the hold queue on a fixed period until ctx is cancelled.
// A partially failed sweep is logged and the loop keeps going; re-running a
// sweep is safe because executed records drop out of the due scan.
func RunWorker(ctx context.Context, queue *holdqueue.Queue, cfg Config) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[release] ", log.LstdFlags)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		result, err := queue.ReleaseDue(ctx, time.Now().UTC())
		if err != nil {
			logger.Printf("release sweep: %v", err)
			continue
		}
		if result.Processed > 0 || len(result.Errors) > 0 {
			logger.Printf("sweep processed=%d executed=%d cancelled=%d errors=%d",
				result.Processed, result.Executed, result.Cancelled, len(result.Errors))
			for _, re := range result.Errors {
				logger.Printf("release %s failed: %s", re.ActionID, re.Error)
			}
		}
	}
}
