package ingest

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

// WagonUpdateMessage is the queue wire format.
type WagonUpdateMessage struct {
	Wagon         string    `json:"wagon" validate:"required,max=20"`
	LoadFlag      int       `json:"load_flag" validate:"oneof=0 1"`
	Weight        float64   `json:"weight" validate:"gte=0"`
	TrainIndexRaw string    `json:"train_index_raw" validate:"required"`
	Date          time.Time `json:"date" validate:"required"`
	Source        string    `json:"source" validate:"required,max=50"`
	EventID       string    `json:"eventId" validate:"required,max=100"`
}

func (m *WagonUpdateMessage) IsLoaded() bool {
	return m.LoadFlag == 1
}

var messageValidator = validator.New()

// Validate reports every failed field in one ValidationError.
func (m *WagonUpdateMessage) Validate() error {
	err := messageValidator.Struct(m)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &ValidationError{Msg: err.Error()}
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, describeFieldError(fe))
	}
	return &ValidationError{Msg: strings.Join(msgs, "; ")}
}

var jsonNames = map[string]string{
	"Wagon":         "wagon",
	"LoadFlag":      "load_flag",
	"Weight":        "weight",
	"TrainIndexRaw": "train_index_raw",
	"Date":          "date",
	"Source":        "source",
	"EventID":       "eventId",
}

func describeFieldError(fe validator.FieldError) string {
	name := jsonNames[fe.Field()]
	if name == "" {
		name = fe.Field()
	}
	switch fe.Tag() {
	case "required":
		return name + " is required"
	case "max":
		return name + " must be at most " + fe.Param() + " characters"
	case "oneof":
		return name + " must be one of " + fe.Param()
	case "gte":
		return name + " must be >= " + fe.Param()
	}
	return name + " failed " + fe.Tag()
}

// isoTime reads the ISO-8601 forms producers send. Values without an
// offset are UTC.
type isoTime struct{ time.Time }

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

func (t *isoTime) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Wrap(err, "date")
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range isoLayouts {
		if v, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			t.Time = v
			return nil
		}
	}
	return errors.Errorf("date %q is not an ISO-8601 timestamp", s)
}

// UnmarshalJSON decodes the wire form; see isoTime for the accepted dates.
func (m *WagonUpdateMessage) UnmarshalJSON(data []byte) error {
	type plain WagonUpdateMessage
	aux := struct {
		*plain
		Date isoTime `json:"date"`
	}{plain: (*plain)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.Date = aux.Date.Time
	return nil
}

// DecodeMessage parses a queue body. Errors are not retryable.
func DecodeMessage(body []byte) (*WagonUpdateMessage, error) {
	var m WagonUpdateMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, errors.Wrap(err, "decode wagon update")
	}
	return &m, nil
}

// Update converts the message into the canonical update form.
func (m *WagonUpdateMessage) Update() Update {
	return Update{
		EventID:       m.EventID,
		Source:        m.Source,
		RawTrainIndex: m.TrainIndexRaw,
		WagonNumber:   m.Wagon,
		IsLoaded:      m.IsLoaded(),
		WeightKg:      m.Weight,
		Date:          m.Date.UTC(),
	}
}
