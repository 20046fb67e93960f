// Package events defines the engagement events accepted by the gateway and
// the rules that separate valid events from rejected ones.
package events

import (
	"bytes"
	"encoding/json"
	"time"
)

type Source string

const (
	SourceFacebook Source = "facebook"
	SourceTiktok   Source = "tiktok"
)

type FunnelStage string

const (
	StageTop    FunnelStage = "top"
	StageBottom FunnelStage = "bottom"
)

// RawEvent is the wire shape of an event as producers send it. User and
// engagement stay undecoded until the variant is known.
type RawEvent struct {
	EventID     *string  `json:"eventId" validate:"required"`
	Timestamp   *string  `json:"timestamp" validate:"required"`
	Source      *string  `json:"source" validate:"required,oneof=facebook tiktok"`
	FunnelStage *string  `json:"funnelStage" validate:"required,oneof=top bottom"`
	EventType   *string  `json:"eventType" validate:"required"`
	Data        *RawData `json:"data" validate:"required"`
}

type RawData struct {
	User       json.RawMessage `json:"user" validate:"required"`
	Engagement json.RawMessage `json:"engagement" validate:"required"`
}

// Event is a validated event. Data holds exactly one of FacebookTop,
// FacebookBottom, TiktokTop or TiktokBottom.
type Event struct {
	EventID     string
	Timestamp   time.Time
	Source      Source
	FunnelStage FunnelStage
	EventType   string
	Data        Data
}

// Subject is the broker subject an event is published on.
func (e Event) Subject() string {
	return Subject(e.Source, e.EventType)
}

func Subject(source Source, eventType string) string {
	return string(source) + "." + eventType
}

// Data is the closed set of per-variant payloads.
type Data interface {
	variant() (Source, FunnelStage)
}

// NullableString is a string key that must be present but may be null.
type NullableString struct {
	Value *string
	Set   bool
}

func (n *NullableString) UnmarshalJSON(data []byte) error {
	n.Set = true
	if bytes.Equal(data, []byte("null")) {
		n.Value = nil
		return nil
	}
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	n.Value = &v
	return nil
}

func (n NullableString) MarshalJSON() ([]byte, error) {
	if n.Value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*n.Value)
}

// String returns the value, or "" for null.
func (n NullableString) String() string {
	if n.Value == nil {
		return ""
	}
	return *n.Value
}

type FacebookUser struct {
	UserID   *string           `json:"userId" validate:"required"`
	Name     *string           `json:"name" validate:"required"`
	Age      *float64          `json:"age" validate:"required"`
	Gender   *string           `json:"gender" validate:"required,oneof=male female non-binary"`
	Location *FacebookLocation `json:"location" validate:"required"`
}

type FacebookLocation struct {
	Country *string `json:"country" validate:"required"`
	City    *string `json:"city" validate:"required"`
}

type FacebookTopEngagement struct {
	ActionTime *string        `json:"actionTime" validate:"required"`
	Referrer   *string        `json:"referrer" validate:"required,oneof=newsfeed marketplace groups"`
	VideoID    NullableString `json:"videoId" validate:"required"`
}

type FacebookBottomEngagement struct {
	AdID           *string        `json:"adId" validate:"required"`
	CampaignID     *string        `json:"campaignId" validate:"required"`
	ClickPosition  *string        `json:"clickPosition" validate:"required,oneof=top_left bottom_right center"`
	Device         *string        `json:"device" validate:"required,oneof=mobile desktop"`
	Browser        *string        `json:"browser" validate:"required,oneof=Chrome Firefox Safari"`
	PurchaseAmount NullableString `json:"purchaseAmount" validate:"required"`
}

type TiktokUser struct {
	UserID    *string  `json:"userId" validate:"required"`
	Username  *string  `json:"username" validate:"required"`
	Followers *float64 `json:"followers" validate:"required"`
}

type TiktokTopEngagement struct {
	WatchTime         *float64 `json:"watchTime" validate:"required"`
	PercentageWatched *float64 `json:"percentageWatched" validate:"required"`
	Device            *string  `json:"device" validate:"required,oneof=Android iOS Desktop"`
	Country           *string  `json:"country" validate:"required"`
	VideoID           *string  `json:"videoId" validate:"required"`
}

type TiktokBottomEngagement struct {
	ActionTime     *string        `json:"actionTime" validate:"required"`
	ProfileID      NullableString `json:"profileId" validate:"required"`
	PurchasedItem  NullableString `json:"purchasedItem" validate:"required"`
	PurchaseAmount NullableString `json:"purchaseAmount" validate:"required"`
}

type FacebookTop struct {
	User       FacebookUser
	Engagement FacebookTopEngagement
}

type FacebookBottom struct {
	User       FacebookUser
	Engagement FacebookBottomEngagement
}

type TiktokTop struct {
	User       TiktokUser
	Engagement TiktokTopEngagement
}

type TiktokBottom struct {
	User       TiktokUser
	Engagement TiktokBottomEngagement
}

func (FacebookTop) variant() (Source, FunnelStage)    { return SourceFacebook, StageTop }
func (FacebookBottom) variant() (Source, FunnelStage) { return SourceFacebook, StageBottom }
func (TiktokTop) variant() (Source, FunnelStage)      { return SourceTiktok, StageTop }
func (TiktokBottom) variant() (Source, FunnelStage)   { return SourceTiktok, StageBottom }

var eventTypes = map[Source]map[FunnelStage][]string{
	SourceFacebook: {
		StageTop:    {"ad.view", "page.like", "comment", "video.view"},
		StageBottom: {"ad.click", "form.submission", "checkout.complete"},
	},
	SourceTiktok: {
		StageTop:    {"video.view", "like", "share", "comment"},
		StageBottom: {"profile.visit", "purchase", "follow"},
	},
}

// EventTypes lists the event types allowed for a source and stage.
func EventTypes(source Source, stage FunnelStage) []string {
	types := eventTypes[source][stage]
	out := make([]string, len(types))
	copy(out, types)
	return out
}

// PurchaseEventTypes are the event types that carry revenue.
var PurchaseEventTypes = []string{"checkout.complete", "purchase"}
