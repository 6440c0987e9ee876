package launcher

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// CookieKey is the environment variable used to tag launched processes.
// Kill matches on its value rather than on PIDs, which disambiguates
// process identity after PID reuse.
const CookieKey = "FORGE_REMOTING_COOKIE"

// NewCookie returns a fresh random cookie value.
func NewCookie() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("launcher: cookie generation failed: %s", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

// cookieEnv returns the KEY=VALUE form of a cookie.
func cookieEnv(cookie string) string {
	return CookieKey + "=" + cookie
}

// cookieFromEnviron extracts the cookie value from a KEY=VALUE environment
// list, or "" if absent.
func cookieFromEnviron(environ []string) string {
	prefix := CookieKey + "="
	for _, kv := range environ {
		if strings.HasPrefix(kv, prefix) {
			return kv[len(prefix):]
		}
	}
	return ""
}

// mergeEnv layers overrides (KEY=VALUE) on top of base, later entries
// winning by key.
func mergeEnv(base, overrides []string) []string {
	merged := make([]string, 0, len(base)+len(overrides))
	index := make(map[string]int)
	add := func(kv string) {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if at, ok := index[key]; ok {
			merged[at] = kv
			return
		}
		index[key] = len(merged)
		merged = append(merged, kv)
	}
	for _, kv := range base {
		add(kv)
	}
	for _, kv := range overrides {
		add(kv)
	}
	return merged
}
