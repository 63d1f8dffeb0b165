package workflow

import (
	"context"
	"os"
	"time"

	"github.com/bsm/redislock"

	"bitbucket.org/hewadtech/budget_backend/config"
	"bitbucket.org/hewadtech/budget_backend/notifier"
)

const digestHour = 9 // 09:00 Asia/Kabul

// StartScheduler runs the daily digest loop when ENABLE_SCHEDULER=true.
// Exactly one process should enable it; when redis is available a lock
// guards against a second enabled process double-sending anyway.
func StartScheduler(ctx context.Context) {
	if os.Getenv("ENABLE_SCHEDULER") != "true" {
		return
	}
	logger := config.GetLogger()

	location, err := time.LoadLocation("Asia/Kabul")
	if err != nil {
		config.LogError(logger, "scheduler.go", "StartScheduler", "LoadLocation", "Asia/Kabul", err)
		location = time.UTC
	}

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		var lastSent string
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				local := now.In(location)
				if local.Hour() != digestHour || local.Minute() != 0 {
					continue
				}
				day := local.Format("2006-01-02")
				if day == lastSent {
					continue
				}
				if runDailyDigest(ctx, day) {
					lastSent = day
				}
			}
		}
	}()
}

// runDailyDigest sends the admin digest once per day across the deployment.
// Returns true when this process either sent it or observed another holder.
func runDailyDigest(ctx context.Context, day string) bool {
	logger := config.GetLogger()

	if locker := config.GetRedisLock(); locker != nil {
		lock, err := locker.Obtain(ctx, "budget:digest:"+day, time.Hour, nil)
		if err == redislock.ErrNotObtained {
			return true
		}
		if err != nil {
			config.LogError(logger, "scheduler.go", "runDailyDigest", "ObtainLock", day, err)
			return false
		}
		defer lock.Release(ctx)
	}

	if err := notifier.SendDailyDigest(ctx); err != nil {
		config.LogError(logger, "scheduler.go", "runDailyDigest", "SendDailyDigest", day, err)
		return false
	}
	return true
}
