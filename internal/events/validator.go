package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	apperrors "eventgate/pkg/errors"
)

// ValidationError names the first offending field of a rejected event.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	// required on a NullableString means the key was present, null or not.
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		n, _ := field.Interface().(NullableString)
		return n.Set
	}, NullableString{})
	return v
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	time.DateOnly,
}

// Parse decodes one event without checking it. Syntactically broken input
// yields a SERIALIZATION_ERROR; well-formed JSON of the wrong shape yields a
// VALIDATION_ERROR.
func Parse(raw []byte) (*RawEvent, error) {
	var ev RawEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, classifyDecodeError("", err)
	}
	return &ev, nil
}

// Validate parses and validates one event. It is pure and safe to call from
// many goroutines.
func Validate(raw []byte) (Event, error) {
	ev, err := Parse(raw)
	if err != nil {
		return Event{}, err
	}
	if err := checkStorable(raw); err != nil {
		return Event{}, err
	}
	return ValidateRaw(ev)
}

// checkStorable rejects text that PostgreSQL cannot hold: invalid UTF-8 and
// the \u0000 escape.
func checkStorable(raw []byte) error {
	if !utf8.Valid(raw) {
		return invalid("", "contains invalid UTF-8")
	}
	if hasNullEscape(raw) {
		return invalid("", `contains a \u0000 escape`)
	}
	return nil
}

func hasNullEscape(raw []byte) bool {
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' {
			continue
		}
		if i+6 <= len(raw) && raw[i+1] == 'u' && string(raw[i+2:i+6]) == "0000" {
			return true
		}
		// skip the escaped character so \\u0000 is not matched
		i++
	}
	return false
}

// ValidateRaw checks a decoded event against the variant selected by its
// source and funnel stage.
func ValidateRaw(ev *RawEvent) (Event, error) {
	if ev == nil {
		return Event{}, invalid("", "event is required")
	}
	if err := validate.Struct(ev); err != nil {
		return Event{}, fromValidator("", err)
	}

	ts, err := parseTimestamp(*ev.Timestamp)
	if err != nil {
		return Event{}, invalid("timestamp", "Invalid timestamp")
	}

	source := Source(*ev.Source)
	stage := FunnelStage(*ev.FunnelStage)

	allowed := eventTypes[source][stage]
	if !slices.Contains(allowed, *ev.EventType) {
		return Event{}, invalid("eventType", fmt.Sprintf("must be one of [%s] for %s/%s",
			strings.Join(allowed, " "), source, stage))
	}

	data, err := decodeData(source, stage, ev.Data)
	if err != nil {
		return Event{}, err
	}

	return Event{
		EventID:     *ev.EventID,
		Timestamp:   ts,
		Source:      source,
		FunnelStage: stage,
		EventType:   *ev.EventType,
		Data:        data,
	}, nil
}

func decodeData(source Source, stage FunnelStage, data *RawData) (Data, error) {
	switch {
	case source == SourceFacebook && stage == StageTop:
		u, e, err := decodeVariant[FacebookUser, FacebookTopEngagement](data)
		return FacebookTop{User: u, Engagement: e}, err
	case source == SourceFacebook && stage == StageBottom:
		u, e, err := decodeVariant[FacebookUser, FacebookBottomEngagement](data)
		return FacebookBottom{User: u, Engagement: e}, err
	case source == SourceTiktok && stage == StageTop:
		u, e, err := decodeVariant[TiktokUser, TiktokTopEngagement](data)
		return TiktokTop{User: u, Engagement: e}, err
	case source == SourceTiktok && stage == StageBottom:
		u, e, err := decodeVariant[TiktokUser, TiktokBottomEngagement](data)
		return TiktokBottom{User: u, Engagement: e}, err
	}
	return nil, invalid("source", fmt.Sprintf("unsupported source/stage %s/%s", source, stage))
}

func decodeVariant[U any, E any](data *RawData) (U, E, error) {
	var user U
	var engagement E

	if err := decodePart(data.User, &user, "data.user"); err != nil {
		return user, engagement, err
	}
	if err := decodePart(data.Engagement, &engagement, "data.engagement"); err != nil {
		return user, engagement, err
	}
	return user, engagement, nil
}

func decodePart(raw json.RawMessage, dst interface{}, path string) error {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return invalid(path, "is required")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return classifyDecodeError(path, err)
	}
	if err := validate.Struct(dst); err != nil {
		return fromValidator(path, err)
	}
	return nil
}

func parseTimestamp(value string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", value)
}

func classifyDecodeError(path string, err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		field := joinPath(path, typeErr.Field)
		if typeErr.Field == "" {
			return invalid(field, fmt.Sprintf("expected object, got %s", typeErr.Value))
		}
		return invalid(field, fmt.Sprintf("expected %s, got %s", jsonKind(typeErr.Type), typeErr.Value))
	}
	return apperrors.ErrSerialization.
		WithMessage("Invalid JSON: " + err.Error()).
		WithCause(err)
}

func fromValidator(path string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return invalid(path, err.Error())
	}

	fe := verrs[0]
	_, ns, _ := strings.Cut(fe.Namespace(), ".")
	field := joinPath(path, ns)

	switch fe.Tag() {
	case "required":
		return invalid(field, "is required")
	case "oneof":
		return invalid(field, fmt.Sprintf("must be one of [%s]", fe.Param()))
	default:
		return invalid(field, fmt.Sprintf("failed %s check", fe.Tag()))
	}
}

func invalid(field, message string) error {
	verr := &ValidationError{Field: field, Message: message}
	return apperrors.ErrValidation.
		WithMessage("Validation failed").
		WithDetail("field", field).
		WithCause(verr)
}

func joinPath(prefix, field string) string {
	switch {
	case prefix == "":
		return field
	case field == "":
		return prefix
	}
	return prefix + "." + field
}

func jsonKind(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Float32, reflect.Float64, reflect.Int, reflect.Int64:
		return "number"
	case reflect.Struct, reflect.Map:
		return "object"
	case reflect.Slice:
		return "array"
	}
	return t.String()
}
