// Package trainindex resolves human-typed train indexes into their canonical
// "FFFF NNN DDDD" form: formation station code, train number, destination
// station code.
package trainindex

// TrainIndex is a resolved train index. Two values are the same train iff
// they compare equal with ==, regardless of how the raw input was written.
type TrainIndex struct {
	// FormationStationCode is always 4 digits.
	FormationStationCode string
	// TrainNumber is always 3 digits, zero padded.
	TrainNumber string
	// DestinationStationCode is always 4 digits.
	DestinationStationCode string
}

// Normalized returns the canonical "FFFF NNN DDDD" string.
func (t TrainIndex) Normalized() string {
	return t.FormationStationCode + " " + t.TrainNumber + " " + t.DestinationStationCode
}

func (t TrainIndex) String() string {
	return t.Normalized()
}

// Normalize parses raw and returns its canonical string form.
func Normalize(raw string) (string, error) {
	idx, err := Parse(raw)
	if err != nil {
		return "", err
	}
	return idx.Normalized(), nil
}

// TryParse is Parse without the error detail.
func TryParse(raw string) (TrainIndex, bool) {
	idx, err := Parse(raw)
	if err != nil {
		return TrainIndex{}, false
	}
	return idx, true
}

// TryNormalize is Normalize without the error detail.
func TryNormalize(raw string) (string, bool) {
	idx, ok := TryParse(raw)
	if !ok {
		return "", false
	}
	return idx.Normalized(), true
}
