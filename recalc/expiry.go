/*
expiry.go - Daily deactivation of expired rules

PURPOSE:
  Rules carrying an explicit timeline stop matching once their window
  ends, but they would still be loaded and walked on every order. A
  daily cron sweep flips Active off for any rule whose timeline end
  date has passed.
*/
package recalc

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/engine"
)

type ExpiryScheduler struct {
	Rules engine.RuleStore
	Log   *zap.Logger
	Spec  string // cron spec, default "0 0 * * *"
	Now   func() time.Time

	cron *cron.Cron
}

func NewExpiryScheduler(rules engine.RuleStore, log *zap.Logger) *ExpiryScheduler {
	return &ExpiryScheduler{
		Rules: rules,
		Log:   log,
		Spec:  "0 0 * * *",
	}
}

func (s *ExpiryScheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *ExpiryScheduler) Start() error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.Spec, func() { s.RunOnce(context.Background()) }); err != nil {
		return err
	}
	s.cron.Start()
	s.Log.Info("rule expiry scheduler started", zap.String("spec", s.Spec))
	return nil
}

func (s *ExpiryScheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
		s.Log.Info("rule expiry scheduler stopped")
	}
}

// RunOnce deactivates every active rule whose timeline window has
// fully elapsed.
func (s *ExpiryScheduler) RunOnce(ctx context.Context) {
	rules, err := s.Rules.ActiveRules(ctx)
	if err != nil {
		s.Log.Error("expiry sweep: listing active rules failed", zap.Error(err))
		return
	}

	now := s.now()
	deactivated := 0
	for _, rule := range rules {
		version, err := s.Rules.LatestVersion(ctx, rule.ID)
		if err != nil {
			s.Log.Error("expiry sweep: latest version load failed",
				zap.String("rule", string(rule.ID)), zap.Error(err))
			continue
		}
		window, err := version.Client.Timeline.TimelineWindow()
		if err != nil || window == nil {
			continue
		}
		if window.End.Before(now) {
			rule.Active = false
			rule.UpdatedAt = now
			if err := s.Rules.SaveRule(ctx, rule); err != nil {
				s.Log.Error("expiry sweep: deactivation failed",
					zap.String("rule", string(rule.ID)), zap.Error(err))
				continue
			}
			deactivated++
		}
	}

	if deactivated > 0 {
		s.Log.Info("expiry sweep complete", zap.Int("deactivated", deactivated))
	}
}
