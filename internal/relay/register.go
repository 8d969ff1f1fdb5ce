package relay

import (
	"fmt"

	"github.com/philsphicas/sshx/internal/protocol"
)

// ValidateRegister checks that a Register names a well-formed label and a
// known protocol kind. Labels are 1 to 63 ASCII letters, digits or
// hyphens, and may not start or end with a hyphen.
func ValidateRegister(reg protocol.Register) error {
	if err := ValidateLabel(reg.Label); err != nil {
		return err
	}
	if !reg.Protocol.Valid() {
		return fmt.Errorf("unknown protocol kind %d", uint8(reg.Protocol))
	}
	return nil
}

// ValidateLabel reports whether label is usable as a display subdomain.
func ValidateLabel(label string) error {
	if label == "" {
		return fmt.Errorf("label is empty")
	}
	if len(label) > protocol.MaxLabelLength {
		return fmt.Errorf("label exceeds %d characters", protocol.MaxLabelLength)
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return fmt.Errorf("label %q may not start or end with a hyphen", label)
	}
	for i := 0; i < len(label); i++ {
		c := label[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
		default:
			return fmt.Errorf("label %q contains invalid character %q", label, c)
		}
	}
	return nil
}
