package events

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "eventgate/pkg/errors"
)

const facebookTop = `{
	"eventId": "evt-1",
	"timestamp": "2025-03-01T10:00:00.000Z",
	"source": "facebook",
	"funnelStage": "top",
	"eventType": "ad.view",
	"data": {
		"user": {"userId": "u1", "name": "Ann", "age": 31, "gender": "non-binary",
			"location": {"country": "PL", "city": "Krakow"}},
		"engagement": {"actionTime": "2025-03-01T10:00:00Z", "referrer": "newsfeed", "videoId": null}
	}
}`

const facebookBottom = `{
	"eventId": "evt-2",
	"timestamp": "2025-03-01T10:00:00Z",
	"source": "facebook",
	"funnelStage": "bottom",
	"eventType": "checkout.complete",
	"data": {
		"user": {"userId": "u1", "name": "Ann", "age": 31, "gender": "female",
			"location": {"country": "PL", "city": "Krakow"}},
		"engagement": {"adId": "ad1", "campaignId": "c1", "clickPosition": "center",
			"device": "mobile", "browser": "Safari", "purchaseAmount": "19.99"}
	}
}`

const tiktokTop = `{
	"eventId": "evt-3",
	"timestamp": "2025-03-01T10:00:00Z",
	"source": "tiktok",
	"funnelStage": "top",
	"eventType": "video.view",
	"data": {
		"user": {"userId": "t1", "username": "dancer", "followers": 1200},
		"engagement": {"watchTime": 12.5, "percentageWatched": 80, "device": "iOS",
			"country": "US", "videoId": "v1"}
	}
}`

const tiktokBottom = `{
	"eventId": "evt-4",
	"timestamp": "2025-03-01T10:00:00Z",
	"source": "tiktok",
	"funnelStage": "bottom",
	"eventType": "purchase",
	"data": {
		"user": {"userId": "t1", "username": "dancer", "followers": 1200},
		"engagement": {"actionTime": "2025-03-01T10:00:00Z", "profileId": null,
			"purchasedItem": "hat", "purchaseAmount": "5.00"}
	}
}`

func TestValidate_Variants(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		subject string
		check   func(t *testing.T, data Data)
	}{
		{
			name:    "facebook top",
			raw:     facebookTop,
			subject: "facebook.ad.view",
			check: func(t *testing.T, data Data) {
				d, ok := data.(FacebookTop)
				require.True(t, ok)
				assert.Equal(t, "non-binary", *d.User.Gender)
				assert.True(t, d.Engagement.VideoID.Set)
				assert.Nil(t, d.Engagement.VideoID.Value)
			},
		},
		{
			name:    "facebook bottom",
			raw:     facebookBottom,
			subject: "facebook.checkout.complete",
			check: func(t *testing.T, data Data) {
				d, ok := data.(FacebookBottom)
				require.True(t, ok)
				assert.Equal(t, "19.99", d.Engagement.PurchaseAmount.String())
			},
		},
		{
			name:    "tiktok top",
			raw:     tiktokTop,
			subject: "tiktok.video.view",
			check: func(t *testing.T, data Data) {
				d, ok := data.(TiktokTop)
				require.True(t, ok)
				assert.Equal(t, 1200.0, *d.User.Followers)
			},
		},
		{
			name:    "tiktok bottom",
			raw:     tiktokBottom,
			subject: "tiktok.purchase",
			check: func(t *testing.T, data Data) {
				d, ok := data.(TiktokBottom)
				require.True(t, ok)
				assert.Nil(t, d.Engagement.ProfileID.Value)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Validate([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.subject, ev.Subject())
			assert.False(t, ev.Timestamp.IsZero())
			tt.check(t, ev.Data)
		})
	}
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantField string
	}{
		{
			name:      "missing eventId",
			raw:       `{"timestamp":"2025-03-01T10:00:00Z","source":"facebook","funnelStage":"top","eventType":"ad.view","data":{}}`,
			wantField: "eventId",
		},
		{
			name:      "unknown source",
			raw:       `{"eventId":"e","timestamp":"2025-03-01T10:00:00Z","source":"myspace","funnelStage":"top","eventType":"ad.view","data":{}}`,
			wantField: "source",
		},
		{
			name:      "bad timestamp",
			raw:       `{"eventId":"e","timestamp":"yesterday","source":"facebook","funnelStage":"top","eventType":"ad.view","data":{"user":{},"engagement":{}}}`,
			wantField: "timestamp",
		},
		{
			name:      "event type from the other stage",
			raw:       `{"eventId":"e","timestamp":"2025-03-01T10:00:00Z","source":"facebook","funnelStage":"top","eventType":"ad.click","data":{"user":{},"engagement":{}}}`,
			wantField: "eventType",
		},
		{
			name:      "null user",
			raw:       `{"eventId":"e","timestamp":"2025-03-01T10:00:00Z","source":"tiktok","funnelStage":"top","eventType":"like","data":{"user":null,"engagement":{}}}`,
			wantField: "data.user",
		},
		{
			name:      "bad enum in nested object",
			raw:       `{"eventId":"e","timestamp":"2025-03-01T10:00:00Z","source":"tiktok","funnelStage":"top","eventType":"like","data":{"user":{"userId":"t","username":"x","followers":1},"engagement":{"watchTime":1,"percentageWatched":2,"device":"Nokia","country":"US","videoId":"v"}}}`,
			wantField: "data.engagement.device",
		},
		{
			name:      "wrong json type",
			raw:       `{"eventId":"e","timestamp":"2025-03-01T10:00:00Z","source":"tiktok","funnelStage":"top","eventType":"like","data":{"user":{"userId":"t","username":"x","followers":"many"},"engagement":{}}}`,
			wantField: "data.user.followers",
		},
		{
			name:      "bottom engagement on a top event",
			raw:       `{"eventId":"e","timestamp":"2025-03-01T10:00:00Z","source":"facebook","funnelStage":"top","eventType":"comment","data":{"user":{"userId":"u","name":"n","age":1,"gender":"male","location":{"country":"c","city":"c"}},"engagement":{"adId":"a","campaignId":"c","clickPosition":"center","device":"mobile","browser":"Chrome","purchaseAmount":null}}}`,
			wantField: "data.engagement.actionTime",
		},
		{
			name:      "not an object",
			raw:       `"hello"`,
			wantField: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate([]byte(tt.raw))
			require.Error(t, err)
			assert.True(t, apperrors.IsValidation(err))
			assert.False(t, apperrors.IsRetryable(err))

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.wantField, verr.Field)
		})
	}
}

func TestValidate_NullableKeysMustBePresent(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantField string
	}{
		{
			name:      "facebook top without videoId",
			raw:       strings.Replace(facebookTop, `, "videoId": null`, "", 1),
			wantField: "data.engagement.videoId",
		},
		{
			name:      "facebook bottom without purchaseAmount",
			raw:       strings.Replace(facebookBottom, `, "purchaseAmount": "19.99"`, "", 1),
			wantField: "data.engagement.purchaseAmount",
		},
		{
			name:      "tiktok bottom without profileId",
			raw:       strings.Replace(tiktokBottom, `"profileId": null,`, "", 1),
			wantField: "data.engagement.profileId",
		},
		{
			name:      "tiktok bottom with numeric purchaseAmount",
			raw:       strings.Replace(tiktokBottom, `"purchaseAmount": "5.00"`, `"purchaseAmount": 5`, 1),
			wantField: "data.engagement.purchaseAmount",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate([]byte(tt.raw))
			require.Error(t, err)
			assert.True(t, apperrors.IsValidation(err))

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.wantField, verr.Field)
		})
	}
}

func TestValidate_NullableValues(t *testing.T) {
	ev, err := Validate([]byte(tiktokBottom))
	require.NoError(t, err)

	d := ev.Data.(TiktokBottom)
	assert.True(t, d.Engagement.ProfileID.Set)
	assert.Nil(t, d.Engagement.ProfileID.Value)
	assert.Equal(t, "hat", d.Engagement.PurchasedItem.String())

	out, err := json.Marshal(d.Engagement)
	require.NoError(t, err)
	assert.JSONEq(t, `{"actionTime":"2025-03-01T10:00:00Z","profileId":null,"purchasedItem":"hat","purchaseAmount":"5.00"}`, string(out))
}

func TestValidate_RejectsUnstorableText(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "nul escape", raw: strings.Replace(facebookTop, `"name": "Ann"`, `"name": "A\u0000nn"`, 1)},
		{name: "nul escape in a key", raw: strings.Replace(facebookTop, `"userId": "u1"`, `"userId": "u1", "x\u0000": 1`, 1)},
		{name: "invalid utf-8", raw: strings.Replace(facebookTop, `"name": "Ann"`, "\"name\": \"A\xffnn\"", 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NotEqual(t, facebookTop, tt.raw)
			_, err := Validate([]byte(tt.raw))
			require.Error(t, err)
			assert.True(t, apperrors.IsValidation(err))
			assert.False(t, apperrors.IsRetryable(err))
		})
	}

	escapedBackslash := strings.Replace(facebookTop, `"name": "Ann"`, `"name": "C:\\u0000"`, 1)
	_, err := Validate([]byte(escapedBackslash))
	assert.NoError(t, err)
}

func TestValidate_MalformedJSON(t *testing.T) {
	_, err := Validate([]byte(`{"eventId": `))
	require.Error(t, err)
	assert.True(t, apperrors.IsSerialization(err))
	assert.Contains(t, err.Error(), "Invalid JSON")
}

func TestEventTypes_ReturnsCopy(t *testing.T) {
	types := EventTypes(SourceTiktok, StageBottom)
	require.Equal(t, []string{"profile.visit", "purchase", "follow"}, types)

	types[0] = "mutated"
	assert.Equal(t, "profile.visit", EventTypes(SourceTiktok, StageBottom)[0])
}
