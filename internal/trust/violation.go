package trust

import "fmt"

type Violation uint8

const (
	ViolationMalformed Violation = iota + 1
	ViolationDuplicate
	ViolationReplay
	ViolationInvalidSignature
	ViolationForgedSignature
	ViolationMaliciousContent
)

var violationPenalty = map[Violation]float64{
	ViolationMalformed:        2,
	ViolationDuplicate:        1,
	ViolationReplay:           8,
	ViolationInvalidSignature: 10,
	ViolationForgedSignature:  15,
	ViolationMaliciousContent: 20,
}

var violationNames = map[Violation]string{
	ViolationMalformed:        "malformed",
	ViolationDuplicate:        "duplicate",
	ViolationReplay:           "replay",
	ViolationInvalidSignature: "invalid_signature",
	ViolationForgedSignature:  "forged_signature",
	ViolationMaliciousContent: "malicious_content",
}

func (v Violation) String() string {
	if s, ok := violationNames[v]; ok {
		return s
	}
	return fmt.Sprintf("violation(%d)", uint8(v))
}

// Penalty is the score deducted for one occurrence.
func (v Violation) Penalty() float64 {
	return violationPenalty[v]
}

// broadcastPenalty maps a messages-per-minute rate to a deduction.
func broadcastPenalty(perMinute float64) float64 {
	switch {
	case perMinute >= 1000:
		return 25
	case perMinute >= 300:
		return 15
	case perMinute >= 100:
		return 8
	case perMinute >= 60:
		return 3
	default:
		return 0
	}
}
