package trainindex

import (
	"regexp"
	"strings"
)

var digitGroup = regexp.MustCompile(`[0-9]+`)

const (
	stationCodeLen    = 4
	maxStationCodeLen = 5
	trainNumberLen    = 3
)

// Parse resolves a raw index such as "7478-035-6980", "7478/6980/35" or
// "74785 035 69801". Separators are ignored; only digit groups count.
func Parse(raw string) (TrainIndex, error) {
	if strings.TrimSpace(raw) == "" {
		return TrainIndex{}, newError(KindEmpty, "index must not be empty")
	}

	groups := digitGroup.FindAllString(raw, -1)
	switch {
	case len(groups) == 0:
		return TrainIndex{}, newError(KindNoDigits, "no digits in %q", raw)
	case len(groups) < 2:
		return TrainIndex{}, newError(KindTooFewParts, "expected 3 digit groups in %q, got %d", raw, len(groups))
	case len(groups) > 3:
		return TrainIndex{}, newError(KindTooManyParts, "expected 3 digit groups in %q, got %d", raw, len(groups))
	case len(groups) == 2:
		return parseTwoGroups(raw, groups)
	}
	return parseThreeGroups(raw, groups)
}

// parseTwoGroups never succeeds: a complete index needs both stations and a
// train number. It still validates the formation station first so the caller
// gets the most specific reason.
func parseTwoGroups(raw string, groups []string) (TrainIndex, error) {
	if _, err := stationCode(groups[0]); err != nil {
		return TrainIndex{}, err
	}
	if isTrainNumberCandidate(groups[1]) {
		return TrainIndex{}, newError(KindMissingDestination, "missing destination station in %q", raw)
	}
	return TrainIndex{}, newError(KindMissingTrainNumber, "missing train number in %q", raw)
}

func parseThreeGroups(raw string, groups []string) (TrainIndex, error) {
	formation, err := stationCode(groups[0])
	if err != nil {
		return TrainIndex{}, err
	}

	second, third := groups[1], groups[2]
	var number, destination string
	switch secondCand, thirdCand := isTrainNumberCandidate(second), isTrainNumberCandidate(third); {
	case secondCand && !thirdCand:
		number, destination = second, third
	case !secondCand && thirdCand:
		number, destination = third, second
	case secondCand && thirdCand:
		// the shorter group is the train number; on a tie the earlier one wins
		switch {
		case len(second) <= len(third) && len(second) <= trainNumberLen:
			number, destination = second, third
		case len(third) <= trainNumberLen:
			number, destination = third, second
		default:
			return TrainIndex{}, newError(KindAmbiguous, "cannot tell train number from destination in %q", raw)
		}
	default:
		return TrainIndex{}, newError(KindNoTrainNumber, "no train number found in %q", raw)
	}

	num, err := trainNumber(number)
	if err != nil {
		return TrainIndex{}, err
	}
	dest, err := stationCode(destination)
	if err != nil {
		return TrainIndex{}, err
	}
	return TrainIndex{
		FormationStationCode:   formation,
		TrainNumber:            num,
		DestinationStationCode: dest,
	}, nil
}

func isTrainNumberCandidate(group string) bool {
	return len(group) >= 2 && len(group) <= trainNumberLen
}

// stationCode accepts 4 or 5 digits; the fifth is a check digit and is dropped.
func stationCode(group string) (string, error) {
	switch {
	case len(group) < stationCodeLen:
		return "", newError(KindInvalidStationCode, "station code %q is shorter than %d digits", group, stationCodeLen)
	case len(group) > maxStationCodeLen:
		return "", newError(KindInvalidStationCode, "station code %q is longer than %d digits", group, maxStationCodeLen)
	case len(group) == maxStationCodeLen:
		return group[:stationCodeLen], nil
	}
	return group, nil
}

func trainNumber(group string) (string, error) {
	if group == "" || len(group) > trainNumberLen {
		return "", newError(KindInvalidTrainNumber, "train number %q must have 1 to %d digits", group, trainNumberLen)
	}
	return strings.Repeat("0", trainNumberLen-len(group)) + group, nil
}
