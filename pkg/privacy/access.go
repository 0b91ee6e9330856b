package privacy

import "fmt"

// AccessLevel is how strictly accessors are vetted
type AccessLevel string

const (
	AccessStrict   AccessLevel = "strict"
	AccessModerate AccessLevel = "moderate"
	AccessRelaxed  AccessLevel = "relaxed"
)

// ParseAccessLevel validates a configured level; empty means moderate
func ParseAccessLevel(s string) (AccessLevel, error) {
	switch AccessLevel(s) {
	case AccessStrict, AccessModerate, AccessRelaxed:
		return AccessLevel(s), nil
	case "":
		return AccessModerate, nil
	}
	return "", fmt.Errorf("unknown access level %q", s)
}

// AccessorType categorizes the caller
type AccessorType string

const (
	AccessorSystem    AccessorType = "system"
	AccessorUser      AccessorType = "user"
	AccessorApp       AccessorType = "app"
	AccessorAnonymous AccessorType = "anonymous"
)

// Accessor describes who is asking for a position
type Accessor struct {
	ID      string       `json:"id"`
	Type    AccessorType `json:"type"`
	Trusted bool         `json:"trusted"`
	Purpose string       `json:"purpose,omitempty"`
}

// Anonymous reports whether the accessor carries no identity
func (a Accessor) Anonymous() bool {
	return a.ID == "" || a.Type == AccessorAnonymous || a.Type == ""
}

// Name is the identity recorded in audit entries
func (a Accessor) Name() string {
	if a.ID == "" {
		return string(AccessorAnonymous)
	}
	return a.ID
}

// Allowed evaluates an accessor against a level
func (l AccessLevel) Allowed(a Accessor) bool {
	switch l {
	case AccessRelaxed:
		return true
	case AccessModerate:
		return !a.Anonymous()
	case AccessStrict:
		if a.Anonymous() || !a.Trusted || a.Purpose == "" {
			return false
		}
		return a.Type == AccessorSystem || a.Type == AccessorUser
	}
	return false
}
