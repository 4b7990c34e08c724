package fitting

import (
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/determined-ai/vine/master/internal/config"
)

// Blocklist keeps hosts that may not receive tasks. Hosts are blocked manually or after a number
// of consecutive failures attributed to their workers.
type Blocklist struct {
	threshold int
	timeout   time.Duration
	failures  map[string]int
	// blocked maps a host to when it is released. The zero time never releases.
	blocked map[string]time.Time
}

// NewBlocklist returns an empty blocklist.
func NewBlocklist(cfg config.BlocklistConfig) *Blocklist {
	return &Blocklist{
		threshold: cfg.Threshold,
		timeout:   cfg.Timeout.Std(),
		failures:  make(map[string]int),
		blocked:   make(map[string]time.Time),
	}
}

// Block blocks host until the given time, or indefinitely if until is zero.
func (b *Blocklist) Block(host string, until time.Time) {
	log.WithField("host", host).Infof("blocking host until %v", until)
	b.blocked[host] = until
}

// Unblock releases host and resets its failure count.
func (b *Blocklist) Unblock(host string) {
	delete(b.blocked, host)
	delete(b.failures, host)
}

// Blocked returns true if host may not receive tasks at now. Expired blocks are dropped.
func (b *Blocklist) Blocked(host string, now time.Time) bool {
	until, ok := b.blocked[host]
	switch {
	case !ok:
		return false
	case until.IsZero() || now.Before(until):
		return true
	default:
		b.Unblock(host)
		return false
	}
}

// RecordFailure counts a worker-attributed failure on host and returns true if it caused the host
// to be blocked.
func (b *Blocklist) RecordFailure(host string, now time.Time) bool {
	if b.threshold <= 0 || b.Blocked(host, now) {
		return false
	}
	b.failures[host]++
	if b.failures[host] < b.threshold {
		return false
	}
	delete(b.failures, host)
	b.Block(host, now.Add(b.timeout))
	return true
}

// RecordSuccess resets the consecutive failure count of host.
func (b *Blocklist) RecordSuccess(host string) {
	delete(b.failures, host)
}

// Hosts returns the hosts blocked at now, sorted.
func (b *Blocklist) Hosts(now time.Time) []string {
	hosts := maps.Keys(b.blocked)
	hosts = slices.DeleteFunc(hosts, func(h string) bool { return !b.Blocked(h, now) })
	slices.Sort(hosts)
	return hosts
}
