package reports

import (
	"context"
	"time"

	"eventgate/internal/events"
	"eventgate/pkg/metrics"
	"eventgate/pkg/tracing"
)

type Service struct {
	repo    Repository
	metrics *metrics.ReportMetrics
}

func NewService(repo Repository, m *metrics.ReportMetrics) *Service {
	return &Service{repo: repo, metrics: m}
}

func (s *Service) Events(ctx context.Context, f EventsFilter) (EventsReport, error) {
	ctx, span := tracing.StartSpan(ctx, "reports.events")
	defer span.End()

	defer s.observe(ReportEvents, time.Now())
	return s.repo.Events(ctx, f)
}

func (s *Service) Revenue(ctx context.Context, f RangeFilter) (RevenueReport, error) {
	ctx, span := tracing.StartSpan(ctx, "reports.revenue")
	defer span.End()

	defer s.observe(ReportRevenue, time.Now())
	return s.repo.Revenue(ctx, f)
}

func (s *Service) Demographics(ctx context.Context, f RangeFilter) (DemographicsReport, error) {
	ctx, span := tracing.StartSpan(ctx, "reports.demographics")
	defer span.End()

	defer s.observe(ReportDemographics, time.Now())
	if f.Source == events.SourceTiktok {
		return s.repo.TiktokDemographics(ctx, f)
	}
	return s.repo.FacebookDemographics(ctx, f)
}

func (s *Service) observe(report string, start time.Time) {
	if s.metrics != nil {
		s.metrics.Latency.WithLabelValues(report).Observe(time.Since(start).Seconds())
	}
}
