package discovery

import "time"

// ClampTTL bounds a ttl hint to [now+MinimumTTL, now+MaximumTTL]. A nil
// hint yields now+MinimumTTL.
func ClampTTL(now time.Time, hint *time.Time) time.Time {
	lower := now.Add(MinimumTTL)
	upper := now.Add(MaximumTTL)
	switch {
	case hint == nil:
		return lower
	case hint.Before(lower):
		return lower
	case hint.After(upper):
		return upper
	default:
		return *hint
	}
}
