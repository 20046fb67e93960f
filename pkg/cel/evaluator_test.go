package cel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvaluator(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)
	assert.NotNil(t, eval)
}

func TestValidateFilterExpression(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	tests := []struct {
		name      string
		expr      string
		wantError bool
	}{
		{
			name:      "valid source check",
			expr:      `source == "facebook"`,
			wantError: false,
		},
		{
			name:      "valid nested field",
			expr:      `user.followers > 100.0`,
			wantError: false,
		},
		{
			name:      "non-bool expression",
			expr:      `eventType`,
			wantError: true,
		},
		{
			name:      "invalid syntax",
			expr:      `invalid syntax here!!!`,
			wantError: true,
		},
		{
			name:      "undefined variable",
			expr:      `payload.status == "active"`,
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := eval.ValidateFilterExpression(tt.expr)
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFilterExpressionExamplesCompile(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	for name, expr := range FilterExpressionExamples {
		t.Run(name, func(t *testing.T) {
			_, err := eval.CompileFilter(expr)
			assert.NoError(t, err)
		})
	}
}

func TestFilterMatch(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	checkout := Input{
		EventID:     "evt-1",
		Source:      "facebook",
		FunnelStage: "bottom",
		EventType:   "checkout.complete",
		Timestamp:   time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		User: map[string]interface{}{
			"userId": "u1",
			"age":    34.0,
			"gender": "female",
		},
		Engagement: map[string]interface{}{
			"device":         "mobile",
			"purchaseAmount": "19.99",
		},
	}
	creator := Input{
		EventID:     "clip-9",
		Source:      "tiktok",
		FunnelStage: "top",
		EventType:   "video.view",
		Timestamp:   time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC),
		User:        map[string]interface{}{"followers": 25000.0},
		Engagement:  map[string]interface{}{"country": "US"},
	}

	tests := []struct {
		name  string
		expr  string
		input Input
		want  bool
	}{
		{name: "revenue event", expr: FilterExpressionExamples["revenue_events"], input: checkout, want: true},
		{name: "revenue event miss", expr: FilterExpressionExamples["revenue_events"], input: creator, want: false},
		{name: "adult facebook user", expr: FilterExpressionExamples["adult_audience"], input: checkout, want: true},
		{name: "tiktok skips age check", expr: FilterExpressionExamples["adult_audience"], input: creator, want: true},
		{name: "large creator", expr: FilterExpressionExamples["large_creators"], input: creator, want: true},
		{name: "timestamp lower bound", expr: FilterExpressionExamples["since_2024"], input: creator, want: false},
		{name: "us viewers", expr: FilterExpressionExamples["us_viewers"], input: creator, want: true},
		{name: "us viewers without country", expr: FilterExpressionExamples["us_viewers"], input: checkout, want: false},
		{name: "mobile checkout", expr: FilterExpressionExamples["mobile_checkouts"], input: checkout, want: true},
		{name: "id prefix", expr: FilterExpressionExamples["id_prefix"], input: creator, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filter, err := eval.CompileFilter(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.expr, filter.Expression())

			got, err := filter.Match(context.Background(), tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFilterMatch_MissingFieldIsError(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	filter, err := eval.CompileFilter(`user.age >= 18.0`)
	require.NoError(t, err)

	_, err = filter.Match(context.Background(), Input{Source: "tiktok"})
	assert.Error(t, err)
}
