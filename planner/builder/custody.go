package builder

import "fmt"

// SourceCustody says where the input funds come from.
type SourceCustody int

const (
	// SourceExternal pulls from the caller's wallet balance.
	SourceExternal SourceCustody = iota
	// SourceInternal claims from the caller's protocol-tracked balance.
	SourceInternal
	// SourceInternalExternal spends the internal balance first and pulls the
	// remainder externally.
	SourceInternalExternal
	// SourceInternalTolerant uses whatever internal balance exists and
	// tolerates zero.
	SourceInternalTolerant
)

// DestCustody says where the output funds end up.
type DestCustody int

const (
	// DestExternal pays out to the recipient's wallet.
	DestExternal DestCustody = iota
	// DestInternal credits the recipient's protocol-tracked balance.
	DestInternal
)

// ParseSourceCustody maps the wire spelling onto the enum.
func ParseSourceCustody(s string) (SourceCustody, error) {
	switch s {
	case "external":
		return SourceExternal, nil
	case "internal":
		return SourceInternal, nil
	case "internal_external":
		return SourceInternalExternal, nil
	case "internal_tolerant":
		return SourceInternalTolerant, nil
	default:
		return 0, fmt.Errorf("unknown source custody mode %q", s)
	}
}

// ParseDestCustody maps the wire spelling onto the enum.
func ParseDestCustody(s string) (DestCustody, error) {
	switch s {
	case "external":
		return DestExternal, nil
	case "internal":
		return DestInternal, nil
	default:
		return 0, fmt.Errorf("unknown destination custody mode %q", s)
	}
}

func (c SourceCustody) String() string {
	switch c {
	case SourceExternal:
		return "external"
	case SourceInternal:
		return "internal"
	case SourceInternalExternal:
		return "internal_external"
	case SourceInternalTolerant:
		return "internal_tolerant"
	default:
		return fmt.Sprintf("source_custody(%d)", int(c))
	}
}

func (c DestCustody) String() string {
	switch c {
	case DestExternal:
		return "external"
	case DestInternal:
		return "internal"
	default:
		return fmt.Sprintf("dest_custody(%d)", int(c))
	}
}
