package orchestrator

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/skytrace/backend/internal/notify"
)

// Sweeper watches elevated-risk bags that have gone quiet. Past the
// warning window the gap is logged; past the delayed window the bag is
// marked delayed and the passenger is told.
type Sweeper struct {
	engine *Engine
	cron   *cron.Cron
	logger *zap.Logger
}

func NewSweeper(engine *Engine) *Sweeper {
	return &Sweeper{
		engine: engine,
		cron:   cron.New(),
		logger: engine.logger.Named("sweep"),
	}
}

func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc("@every 1m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
		defer cancel()
		if err := s.Sweep(ctx); err != nil {
			s.logger.Warn("scan gap sweep failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep runs one pass. Marking is idempotent: a bag already delayed is
// not returned by the gap query, so repeated sweeps do not re-notify.
func (s *Sweeper) Sweep(ctx context.Context) error {
	e := s.engine
	now := e.now()
	warnCutoff := now.Add(-e.cfg.ScanGapWarning)
	delayCutoff := now.Add(-e.cfg.ScanGapDelayed)
	bags, err := e.rel.BagsWithScanGap(ctx, warnCutoff, e.cfg.HighRiskThreshold)
	if err != nil {
		return err
	}
	for _, bag := range bags {
		if bag.UpdatedAt.After(delayCutoff) {
			s.logger.Warn("scan gap warning",
				zap.String("bag_tag", bag.BagTag),
				zap.String("last_location", bag.CurrentLocation),
				zap.Duration("gap", now.Sub(bag.UpdatedAt)))
			continue
		}
		updated, marked, err := e.coord.MarkDelayed(ctx, bag.BagTag, e.now())
		if err != nil {
			s.logger.Warn("mark delayed", zap.String("bag_tag", bag.BagTag), zap.Error(err))
			continue
		}
		if !marked {
			continue
		}
		e.metrics.BagsDelayed.Inc()
		s.logger.Info("bag marked delayed",
			zap.String("bag_tag", updated.BagTag),
			zap.String("last_location", updated.CurrentLocation))

		recipients := e.recipientsFor(updated.BagTag)
		if len(recipients) == 0 {
			continue
		}
		_, err = e.dispatcher.Notify(ctx, updated.BagTag, notify.TemplateBagDelayed, recipients,
			map[string]string{"BagTag": updated.BagTag, "Location": updated.CurrentLocation})
		if err != nil {
			s.logger.Warn("delay notification", zap.String("bag_tag", updated.BagTag), zap.Error(err))
		}
	}
	return nil
}
