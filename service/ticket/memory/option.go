package memory

import "time"

type Option func(*service)

// WithPendingTTL sets how long a ticket may stay pending before the sweeper
// expires it.
func WithPendingTTL(ttl time.Duration) Option {
	return func(s *service) {
		if ttl > 0 {
			s.pendingTTL = ttl
		}
	}
}

// WithRetention sets how long terminal tickets remain queryable before
// eviction.
func WithRetention(retention time.Duration) Option {
	return func(s *service) {
		if retention > 0 {
			s.retention = retention
		}
	}
}
