package services

import (
	"context"
	"sync"
	"time"

	"github.com/renato0307/tether/internal/domain"
	"github.com/renato0307/tether/internal/logging"
	"github.com/renato0307/tether/internal/ports"
)

const (
	// historyStatsCacheTTL is the duration to cache command stats before refreshing
	historyStatsCacheTTL = 60 * time.Second
)

// HistoryStatsService summarizes today's finished commands with caching
type HistoryStatsService struct {
	cache       *historyStatsCache
	cacheMu     sync.RWMutex
	clock       func() time.Time
	lastRefresh time.Time
	reader      ports.HistoryReader
}

type historyStatsCache struct {
	hourly []ports.HourlyCommandStats
	totals ports.CommandTotals
}

// NewHistoryStatsService creates a new HistoryStatsService. clock may be nil.
func NewHistoryStatsService(reader ports.HistoryReader, clock func() time.Time) *HistoryStatsService {
	if clock == nil {
		clock = time.Now
	}
	return &HistoryStatsService{
		clock:  clock,
		reader: reader,
	}
}

// GetTodayHourly returns finished commands aggregated by hour for today (cached)
func (s *HistoryStatsService) GetTodayHourly(ctx context.Context) ([]ports.HourlyCommandStats, error) {
	if err := s.ensureCacheFresh(ctx); err != nil {
		return nil, err
	}

	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()

	if s.cache == nil {
		return nil, nil
	}
	return s.cache.hourly, nil
}

// GetTodayTotals returns finished command totals for today (cached)
func (s *HistoryStatsService) GetTodayTotals(ctx context.Context) (ports.CommandTotals, error) {
	if err := s.ensureCacheFresh(ctx); err != nil {
		return ports.CommandTotals{}, err
	}

	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()

	if s.cache == nil {
		return ports.CommandTotals{}, nil
	}
	return s.cache.totals, nil
}

func (s *HistoryStatsService) ensureCacheFresh(ctx context.Context) error {
	s.cacheMu.RLock()
	cacheValid := s.cache != nil && s.clock().Sub(s.lastRefresh) < historyStatsCacheTTL
	s.cacheMu.RUnlock()

	if cacheValid {
		return nil
	}

	return s.refreshCache(ctx)
}

func (s *HistoryStatsService) refreshCache(ctx context.Context) error {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	now := s.clock()
	// Double-check after acquiring write lock
	if s.cache != nil && now.Sub(s.lastRefresh) < historyStatsCacheTTL {
		return nil
	}

	logging.Logger.Debug("Refreshing history stats cache")

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	records, err := s.reader.ListCommandsSince(ctx, midnight)
	if err != nil {
		logging.Logger.Warn("Failed to read today's commands", "error", err)
		return err
	}

	hourlyMap := make(map[int]*ports.HourlyCommandStats)
	var totals ports.CommandTotals

	for _, r := range records {
		hour := r.CompletedAt.In(now.Location()).Hour()
		h, exists := hourlyMap[hour]
		if !exists {
			h = &ports.HourlyCommandStats{Hour: hour}
			hourlyMap[hour] = h
		}

		switch domain.ItemStatus(r.Status) {
		case domain.ItemCancelled:
			h.Cancelled++
			totals.Cancelled++
		case domain.ItemCompleted:
			h.Completed++
			totals.Completed++
		case domain.ItemFailed:
			h.Failed++
			totals.Failed++
		}
	}

	var hourly []ports.HourlyCommandStats
	for hour := 0; hour < 24; hour++ {
		if h, exists := hourlyMap[hour]; exists {
			hourly = append(hourly, *h)
		}
	}

	s.cache = &historyStatsCache{
		hourly: hourly,
		totals: totals,
	}
	s.lastRefresh = now

	logging.Logger.Debug("History stats cache refreshed",
		"hours_with_data", len(hourly),
		"completed", totals.Completed,
		"failed", totals.Failed)

	return nil
}
