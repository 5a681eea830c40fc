package service

import (
	"time"

	"engram/internal/logging"
)

// maintainer runs the background housekeeping loop: tier migration, cold
// compaction, audit rotation, component archival, backup and session expiry.
// One pass per interval; a slow pass delays the next rather than overlapping.
type maintainer struct {
	svc      *Service
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
	started  bool
}

func newMaintainer(svc *Service, interval time.Duration) *maintainer {
	return &maintainer{
		svc:      svc,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (m *maintainer) Start() {
	if m.started {
		return
	}
	m.started = true
	go m.run()
	logging.Service("maintenance loop started, interval %s", m.interval)
}

func (m *maintainer) Stop() {
	if !m.started {
		return
	}
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	<-m.done
	m.started = false
}

func (m *maintainer) run() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.pass(nowFunc())
		}
	}
}

// pass runs every housekeeping step once. Steps are independent; a failing
// step logs and the pass moves on.
func (m *maintainer) pass(now time.Time) {
	timer := logging.StartTimer(logging.CategoryService, "maintainer.pass")
	defer timer.Stop()

	if stats, err := m.svc.records.Migrate(); err != nil {
		logging.ServiceWarn("maintenance: tier migration failed: %v", err)
	} else if stats.Demoted > 0 || stats.Evicted > 0 {
		logging.Service("maintenance: migration demoted=%d evicted=%d of %d examined",
			stats.Demoted, stats.Evicted, stats.Examined)
	}

	if stats, err := m.svc.records.CompactCold(); err != nil {
		logging.ServiceWarn("maintenance: cold compaction failed: %v", err)
	} else if stats.ShardsRewritten > 0 {
		logging.Service("maintenance: compacted %d cold shards, dropped %d stale versions",
			stats.ShardsRewritten, stats.VersionsDropped)
	}

	cutoff := now.Add(-m.svc.cfg.AuditRetention())
	if n, err := m.svc.permStore.PruneAuditBefore(cutoff); err != nil {
		logging.ServiceWarn("maintenance: audit rotation failed: %v", err)
	} else if n > 0 {
		logging.Service("maintenance: rotated %d audit entries older than %s", n, cutoff.Format(time.RFC3339))
	}

	if n, err := m.svc.synth.ArchiveStale(); err != nil {
		logging.ServiceWarn("maintenance: component archival failed: %v", err)
	} else if n > 0 {
		logging.Service("maintenance: archived %d stale profile components", n)
	}

	if n, err := m.svc.backups.PruneExpired(now); err != nil {
		logging.ServiceWarn("maintenance: backup pruning failed: %v", err)
	} else if n > 0 {
		logging.Service("maintenance: pruned %d expired snapshots", n)
	}

	if n := m.svc.sessions.sweep(now); n > 0 {
		logging.Service("maintenance: expired %d pending write sessions", n)
	}
}
