package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"eventgate/internal/events"
)

type fakeUser map[string]interface{}

// Generator produces engagement events for a fixed pool of users so that
// repeated users show up in the demographics reports. It is safe for
// concurrent use.
type Generator struct {
	mu           sync.Mutex
	faker        *gofakeit.Faker
	invalidRatio float64
	from         time.Time
	to           time.Time

	facebookUsers []fakeUser
	tiktokUsers   []fakeUser
}

func NewGenerator(seed int64, users int, invalidRatio float64, from, to time.Time) *Generator {
	if users <= 0 {
		users = 1
	}
	g := &Generator{
		faker:        gofakeit.New(seed),
		invalidRatio: invalidRatio,
		from:         from,
		to:           to,
	}
	for i := 0; i < users; i++ {
		g.facebookUsers = append(g.facebookUsers, g.facebookUser())
		g.tiktokUsers = append(g.tiktokUsers, g.tiktokUser())
	}
	return g
}

func (g *Generator) facebookUser() fakeUser {
	return fakeUser{
		"userId": g.faker.UUID(),
		"name":   g.faker.Name(),
		"age":    g.faker.Number(16, 75),
		"gender": g.faker.RandomString([]string{"male", "female", "non-binary"}),
		"location": map[string]interface{}{
			"country": g.faker.Country(),
			"city":    g.faker.City(),
		},
	}
}

func (g *Generator) tiktokUser() fakeUser {
	return fakeUser{
		"userId":    g.faker.UUID(),
		"username":  g.faker.Username(),
		"followers": g.faker.Number(0, 2000000),
	}
}

// Event returns one event. With probability invalidRatio the event breaks
// a validation rule and is expected to be stored as FAILED.
func (g *Generator) Event() map[string]interface{} {
	g.mu.Lock()
	defer g.mu.Unlock()

	source := events.SourceFacebook
	if g.faker.Bool() {
		source = events.SourceTiktok
	}
	stage := events.StageTop
	if g.faker.Float64() < 0.3 {
		stage = events.StageBottom
	}
	eventType := g.faker.RandomString(events.EventTypes(source, stage))
	ts := g.faker.DateRange(g.from, g.to).UTC()

	var user fakeUser
	var engagement map[string]interface{}
	switch {
	case source == events.SourceFacebook && stage == events.StageTop:
		user, engagement = g.pick(g.facebookUsers), g.facebookTop(ts)
	case source == events.SourceFacebook:
		user, engagement = g.pick(g.facebookUsers), g.facebookBottom(eventType)
	case stage == events.StageTop:
		user, engagement = g.pick(g.tiktokUsers), g.tiktokTop()
	default:
		user, engagement = g.pick(g.tiktokUsers), g.tiktokBottom(ts, eventType)
	}

	ev := map[string]interface{}{
		"eventId":     g.faker.UUID(),
		"timestamp":   ts.Format(time.RFC3339Nano),
		"source":      string(source),
		"funnelStage": string(stage),
		"eventType":   eventType,
		"data": map[string]interface{}{
			"user":       user,
			"engagement": engagement,
		},
	}

	if g.invalidRatio > 0 && g.faker.Float64() < g.invalidRatio {
		g.corrupt(ev)
	}
	return ev
}

func (g *Generator) pick(users []fakeUser) fakeUser {
	return users[g.faker.Number(0, len(users)-1)]
}

func (g *Generator) facebookTop(ts time.Time) map[string]interface{} {
	e := map[string]interface{}{
		"actionTime": ts.Format(time.RFC3339Nano),
		"referrer":   g.faker.RandomString([]string{"newsfeed", "marketplace", "groups"}),
		"videoId":    nil,
	}
	if g.faker.Bool() {
		e["videoId"] = g.faker.UUID()
	}
	return e
}

func (g *Generator) facebookBottom(eventType string) map[string]interface{} {
	e := map[string]interface{}{
		"adId":           g.faker.UUID(),
		"campaignId":     g.faker.UUID(),
		"clickPosition":  g.faker.RandomString([]string{"top_left", "bottom_right", "center"}),
		"device":         g.faker.RandomString([]string{"mobile", "desktop"}),
		"browser":        g.faker.RandomString([]string{"Chrome", "Firefox", "Safari"}),
		"purchaseAmount": nil,
	}
	if eventType == "checkout.complete" {
		e["purchaseAmount"] = g.amount()
	}
	return e
}

func (g *Generator) tiktokTop() map[string]interface{} {
	return map[string]interface{}{
		"watchTime":         g.faker.Number(1, 600),
		"percentageWatched": g.faker.Number(0, 100),
		"device":            g.faker.RandomString([]string{"Android", "iOS", "Desktop"}),
		"country":           g.faker.Country(),
		"videoId":           g.faker.UUID(),
	}
}

func (g *Generator) tiktokBottom(ts time.Time, eventType string) map[string]interface{} {
	e := map[string]interface{}{
		"actionTime":     ts.Format(time.RFC3339Nano),
		"profileId":      nil,
		"purchasedItem":  nil,
		"purchaseAmount": nil,
	}
	switch eventType {
	case "purchase":
		e["purchasedItem"] = g.faker.ProductName()
		e["purchaseAmount"] = g.amount()
	case "profile.visit", "follow":
		e["profileId"] = g.faker.UUID()
	}
	return e
}

func (g *Generator) amount() string {
	return fmt.Sprintf("%.2f", g.faker.Price(1, 500))
}

func (g *Generator) corrupt(ev map[string]interface{}) {
	switch g.faker.Number(0, 2) {
	case 0:
		delete(ev, "source")
	case 1:
		ev["funnelStage"] = "middle"
	default:
		ev["timestamp"] = "not-a-timestamp"
	}
}
