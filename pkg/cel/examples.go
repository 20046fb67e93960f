package cel

// FilterExpressionExamples are sample collector filters.
var FilterExpressionExamples = map[string]string{
	"facebook_only":    `source == "facebook"`,
	"bottom_funnel":    `funnelStage == "bottom"`,
	"revenue_events":   `eventType in ["checkout.complete", "purchase"]`,
	"adult_audience":   `source != "facebook" || user.age >= 18.0`,
	"large_creators":   `source == "tiktok" && user.followers > 10000.0`,
	"since_2024":       `timestamp >= timestamp("2024-01-01T00:00:00Z")`,
	"us_viewers":       `has(engagement.country) && engagement.country == "US"`,
	"mobile_checkouts": `eventType == "checkout.complete" && engagement.device == "mobile"`,
	"id_prefix":        `eventId.startsWith("evt-")`,
}
