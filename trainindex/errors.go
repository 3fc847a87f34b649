package trainindex

import "fmt"

// Kind classifies why a raw index was rejected.
type Kind int

const (
	KindEmpty Kind = iota
	KindNoDigits
	KindTooFewParts
	KindTooManyParts
	KindInvalidStationCode
	KindInvalidTrainNumber
	KindAmbiguous
	KindNoTrainNumber
	KindMissingDestination
	KindMissingTrainNumber
)

var kindNames = map[Kind]string{
	KindEmpty:              "empty",
	KindNoDigits:           "no_digits",
	KindTooFewParts:        "too_few_parts",
	KindTooManyParts:       "too_many_parts",
	KindInvalidStationCode: "invalid_station_code",
	KindInvalidTrainNumber: "invalid_train_number",
	KindAmbiguous:          "ambiguous",
	KindNoTrainNumber:      "no_train_number",
	KindMissingDestination: "missing_destination",
	KindMissingTrainNumber: "missing_train_number",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ValidationError is returned for every index that cannot be resolved.
// It is never retryable.
type ValidationError struct {
	Kind    Kind
	Message string
}

func (e *ValidationError) Error() string {
	return "invalid train index: " + e.Message
}

func newError(kind Kind, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
