package checker

import (
	"net/url"
	"strings"
)

// TargetInfo contains parsed target information
type TargetInfo struct {
	Original string // Original target string
	Scheme   string // http or https
	Host     string // Hostname (without protocol, path, port)
	Port     string // Port if specified
	Path     string // Path if specified
	FullURL  string // Full normalized URL (for HTTP requests)
}

// ParseTarget parses a target string into structured components.
// Probes require an absolute URL, but bare hosts such as example.com or
// example.com:8080 are accepted and treated as https.
func ParseTarget(target string) *TargetInfo {
	info := &TargetInfo{Original: target}
	target = strings.TrimSpace(target)

	parsed, err := url.Parse(target)
	// A scheme containing dots is really a host ("example.com:8080").
	if err != nil || parsed.Scheme == "" || parsed.Host == "" || strings.Contains(parsed.Scheme, ".") {
		parsed, err = url.Parse("https://" + target)
	}
	if err != nil || parsed == nil {
		return info
	}

	info.Scheme = strings.ToLower(parsed.Scheme)
	info.Host = parsed.Hostname()
	info.Port = parsed.Port()
	info.Path = parsed.Path
	info.FullURL = parsed.String()
	return info
}

// IsHTTPS reports whether the target is served over TLS.
func (t *TargetInfo) IsHTTPS() bool {
	return t.Scheme == "https"
}

// ValidateTarget checks that a target resolves to an http(s) URL with a host.
func ValidateTarget(target string) bool {
	info := ParseTarget(target)
	return info.Host != "" && (info.Scheme == "http" || info.Scheme == "https")
}
