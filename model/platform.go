package model

type Platform uint8

const (
	PlatformUnknown Platform = iota
	PlatformApple
	PlatformGoogle
)

func (p Platform) String() string {
	switch p {
	case PlatformApple:
		return "apple"
	case PlatformGoogle:
		return "google"
	default:
		return "unknown"
	}
}

// ParsePlatform accepts the names used in configuration and on the command line.
func ParsePlatform(s string) (Platform, bool) {
	switch s {
	case "apple", "ios":
		return PlatformApple, true
	case "google", "android":
		return PlatformGoogle, true
	default:
		return PlatformUnknown, false
	}
}
