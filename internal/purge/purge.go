// Package purge implements the periodic sweep that reclaims spool and task
// cache entries once they age past their configured TTL.
package purge

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Purgeable is anything with its own TTL and purge routine: results
// storage, task file cache, and any future download/apply/script caches.
type Purgeable interface {
	Name() string
	TTL() time.Duration
	Purge(ttl time.Duration, ongoingTransactions []string) (int, error)
}

// OngoingTransactions returns the transaction ids that must never be purged
// because a worker still owns them.
type OngoingTransactions func() []string

// Loop runs the purge sweep on a cadence derived from the registered
// purgeables' TTLs, capped at 60 minutes, matching the one-ticker-many-TTLs
// design: every purgeable is swept on every tick using its own TTL, so the
// tick period only needs to be no coarser than the shortest TTL.
type Loop struct {
	purgeables []Purgeable
	ongoing    OngoingTransactions
	logger     logrus.FieldLogger
	interval   time.Duration
}

const maxInterval = 60 * time.Minute

// New builds a Loop over purgeables, waking on the gcd (in minutes) of
// their TTLs, capped at maxInterval.
func New(purgeables []Purgeable, ongoing OngoingTransactions, logger logrus.FieldLogger) *Loop {
	return &Loop{
		purgeables: purgeables,
		ongoing:    ongoing,
		logger:     logger,
		interval:   sweepInterval(purgeables),
	}
}

func sweepInterval(purgeables []Purgeable) time.Duration {
	if len(purgeables) == 0 {
		return maxInterval
	}
	minutesGCD := 0
	for _, pg := range purgeables {
		m := int(pg.TTL().Minutes())
		if m <= 0 {
			m = 1
		}
		minutesGCD = gcd(minutesGCD, m)
	}
	if minutesGCD <= 0 {
		minutesGCD = 1
	}
	interval := time.Duration(minutesGCD) * time.Minute
	if interval > maxInterval {
		interval = maxInterval
	}
	return interval
}

func gcd(a, b int) int {
	if a == 0 {
		return b
	}
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// Run blocks sweeping on Loop's interval until ctx is canceled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweepOnce()
		}
	}
}

func (l *Loop) sweepOnce() {
	ongoing := l.ongoing()
	for _, pg := range l.purgeables {
		n, err := pg.Purge(pg.TTL(), ongoing)
		if err != nil {
			l.logger.WithField("purgeable", pg.Name()).Warnf("purge failed: %v", err)
			continue
		}
		if n > 0 {
			l.logger.WithField("purgeable", pg.Name()).Infof("purged %d entries", n)
		}
	}
}
