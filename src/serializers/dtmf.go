package serializers

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Digit is a normalized DTMF keypad digit. Inbound frames carry digits in
// several shapes (string or numeric, under "digit" or "digits"); everything
// past this boundary sees only this type.
type Digit byte

const (
	Digit0    Digit = '0'
	Digit1    Digit = '1'
	Digit2    Digit = '2'
	Digit3    Digit = '3'
	Digit4    Digit = '4'
	Digit5    Digit = '5'
	Digit6    Digit = '6'
	Digit7    Digit = '7'
	Digit8    Digit = '8'
	Digit9    Digit = '9'
	DigitStar Digit = '*'
	DigitHash Digit = '#'
)

func (d Digit) String() string {
	return string(rune(d))
}

// Parse extracts the normalized digit from a DTMF payload.
func (p *DTMFPayload) Parse() (Digit, error) {
	raw := p.Digit
	if len(raw) == 0 {
		raw = p.Digits
	}
	if len(raw) == 0 {
		return 0, fmt.Errorf("dtmf event missing digit")
	}

	// Try quoted string first, then bare number.
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var n int
		if err := json.Unmarshal(raw, &n); err != nil {
			return 0, fmt.Errorf("unrecognized dtmf digit %s", string(raw))
		}
		s = fmt.Sprintf("%d", n)
	}

	s = strings.TrimSpace(s)
	if len(s) != 1 {
		return 0, fmt.Errorf("unrecognized dtmf digit %q", s)
	}

	switch c := s[0]; c {
	case '0', '1', '2', '3', '4', '5', '6', '7', '8', '9', '*', '#':
		return Digit(c), nil
	default:
		return 0, fmt.Errorf("unrecognized dtmf digit %q", s)
	}
}
