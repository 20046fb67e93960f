// Package reports answers aggregate queries over the collected events.
package reports

import (
	"time"

	"eventgate/internal/events"
	apperrors "eventgate/pkg/errors"
)

const (
	ReportEvents       = "events"
	ReportRevenue      = "revenue"
	ReportDemographics = "demographics"
)

// EventsRequest is the query string of GET /reports/events. Every filter
// is optional.
type EventsRequest struct {
	From        string `form:"from"`
	To          string `form:"to"`
	Source      string `form:"source" binding:"omitempty,oneof=facebook tiktok"`
	FunnelStage string `form:"funnelStage" binding:"omitempty,oneof=top bottom"`
	EventType   string `form:"eventType"`
}

// RangeRequest is the query string of the revenue and demographics reports.
type RangeRequest struct {
	From   string `form:"from" binding:"required"`
	To     string `form:"to" binding:"required"`
	Source string `form:"source" binding:"required,oneof=facebook tiktok"`
}

type EventsFilter struct {
	From        *time.Time
	To          *time.Time
	Source      string
	FunnelStage string
	EventType   string
}

type RangeFilter struct {
	From   time.Time
	To     time.Time
	Source events.Source
}

type EventsReport struct {
	TotalEvents int64            `json:"totalEvents"`
	ByEventType map[string]int64 `json:"byEventType"`
	BySource    map[string]int64 `json:"bySource"`
}

type RevenueReport struct {
	TotalRevenue float64 `json:"totalRevenue"`
}

// DemographicsReport carries the facebook breakdowns or the tiktok
// follower statistics, depending on Source.
type DemographicsReport struct {
	Source     string `json:"source"`
	TotalUsers int64  `json:"totalUsers"`

	ByGender  map[string]int64 `json:"byGender,omitempty"`
	ByAge     map[string]int64 `json:"byAge,omitempty"`
	ByCountry map[string]int64 `json:"byCountry,omitempty"`
	ByCity    map[string]int64 `json:"byCity,omitempty"`

	AvgFollowers *float64 `json:"avgFollowers,omitempty"`
	MinFollowers *float64 `json:"minFollowers,omitempty"`
	MaxFollowers *float64 `json:"maxFollowers,omitempty"`
}

func (r EventsRequest) Filter() (EventsFilter, error) {
	f := EventsFilter{Source: r.Source, FunnelStage: r.FunnelStage, EventType: r.EventType}

	if r.From != "" {
		from, err := parseTime("from", r.From)
		if err != nil {
			return EventsFilter{}, err
		}
		f.From = &from
	}
	if r.To != "" {
		to, err := parseTime("to", r.To)
		if err != nil {
			return EventsFilter{}, err
		}
		f.To = &to
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return EventsFilter{}, apperrors.ErrValidation.WithMessage("to must not be before from")
	}
	return f, nil
}

func (r RangeRequest) Filter() (RangeFilter, error) {
	from, err := parseTime("from", r.From)
	if err != nil {
		return RangeFilter{}, err
	}
	to, err := parseTime("to", r.To)
	if err != nil {
		return RangeFilter{}, err
	}
	if to.Before(from) {
		return RangeFilter{}, apperrors.ErrValidation.WithMessage("to must not be before from")
	}
	return RangeFilter{From: from, To: to, Source: events.Source(r.Source)}, nil
}

func parseTime(field, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, apperrors.ErrValidation.
			WithMessage(field + " must be an ISO-8601 date-time").
			WithDetail("field", field)
	}
	return t.UTC(), nil
}
