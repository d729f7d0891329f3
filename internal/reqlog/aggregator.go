package reqlog

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Aggregator schedules the daily usage rollup. It re-aggregates yesterday
// shortly after midnight UTC and refreshes today once an hour so the daily
// table stays close to live.
type Aggregator struct {
	store  Store
	cron   *cron.Cron
	logger *log.Logger
}

// NewAggregator builds an aggregator for the store.
func NewAggregator(store Store, logger *log.Logger) *Aggregator {
	return &Aggregator{
		store:  store,
		cron:   cron.New(cron.WithLocation(time.UTC)),
		logger: logger,
	}
}

// Start registers the schedules and runs one catch-up pass immediately.
func (a *Aggregator) Start(ctx context.Context) error {
	if _, err := a.cron.AddFunc("5 0 * * *", func() {
		a.run(ctx, time.Now().UTC().AddDate(0, 0, -1))
	}); err != nil {
		return err
	}
	if _, err := a.cron.AddFunc("0 * * * *", func() {
		a.run(ctx, time.Now().UTC())
	}); err != nil {
		return err
	}
	go func() {
		a.run(ctx, time.Now().UTC().AddDate(0, 0, -1))
		a.run(ctx, time.Now().UTC())
	}()
	a.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running rollup.
func (a *Aggregator) Stop() {
	stopCtx := a.cron.Stop()
	<-stopCtx.Done()
}

func (a *Aggregator) run(ctx context.Context, day time.Time) {
	if err := a.store.AggregateDaily(ctx, day); err != nil {
		if a.logger != nil {
			a.logger.Printf("[reqlog] daily aggregation day=%s error=%v", day.Format("2006-01-02"), err)
		}
		return
	}
	if a.logger != nil {
		a.logger.Printf("[reqlog] daily aggregation day=%s ok", day.Format("2006-01-02"))
	}
}
