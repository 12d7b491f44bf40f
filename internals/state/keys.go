package state

import "fmt"

const (
	DefaultSessionPrefix = "sessions:"

	// How long a session seen in Redis is trusted without asking again.
	SessionCacheTTL = 30 // seconds
)

func SessionKey(prefix, sessionID string) string {
	if prefix == "" {
		prefix = DefaultSessionPrefix
	}
	return fmt.Sprintf("%s%s", prefix, sessionID)
}
