package frontdoor

import (
	"sync"

	"golang.org/x/time/rate"
)

// routeClass groups routes by the rate-limit bucket they share.
type routeClass string

const (
	classLaunch routeClass = "launch"
	classRead   routeClass = "read"
)

// limiterSet holds one *rate.Limiter per (class, client IP), evicting
// the oldest entries once the map grows past maxEntries so memory does
// not grow unboundedly under client churn.
type limiterSet struct {
	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	order      []string
	maxEntries int
	perMinute  map[routeClass]int
}

func newLimiterSet(launchPerMinute, readPerMinute, maxEntries int) *limiterSet {
	return &limiterSet{
		limiters:   make(map[string]*rate.Limiter),
		maxEntries: maxEntries,
		perMinute: map[routeClass]int{
			classLaunch: launchPerMinute,
			classRead:   readPerMinute,
		},
	}
}

// Allow reports whether a request from clientIP in the given class is
// within budget, creating the limiter on first use.
func (s *limiterSet) Allow(class routeClass, clientIP string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := string(class) + "|" + clientIP
	lim, ok := s.limiters[key]
	if !ok {
		perMinute := s.perMinute[class]
		lim = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
		s.limiters[key] = lim
		s.order = append(s.order, key)
		s.evictIfNeeded()
	}
	return lim.Allow()
}

func (s *limiterSet) evictIfNeeded() {
	for len(s.order) > s.maxEntries {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.limiters, oldest)
	}
}
