package rabbitmq

import (
	"fmt"
	"net/url"
	"strings"
)

// cleanURL strips whitespace, quotes and any junk before the scheme that env
// files tend to leave behind, and checks the scheme. An empty path becomes "/"
// (the default vhost).
func cleanURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
		clean = clean[idx:]
	}

	parsed, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return "", fmt.Errorf("invalid AMQP scheme %q: must be amqp or amqps", parsed.Scheme)
	}
	if parsed.Path == "" {
		clean += "/"
	}
	return clean, nil
}
