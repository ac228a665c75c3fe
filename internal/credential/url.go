package credential

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/ZebulonRouseFrantzich/rombox/internal/fault"
)

// NormalizeServerURL reduces a server URL to scheme://host[:port], the key
// used for stored credentials and cached sessions. Default ports are dropped,
// scheme and host are lowercased, path, query and fragment are discarded.
//
// It performs no I/O and fails with InvalidArgument on empty or malformed input.
func NormalizeServerURL(raw string) (string, error) {
	const op = "credential.NormalizeServerURL"

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fault.Newf(fault.InvalidArgument, op, "server url cannot be empty")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fault.New(fault.InvalidArgument, op, fmt.Errorf("parse server url: %w", err))
	}
	if !u.IsAbs() || u.Opaque != "" {
		return "", fault.Newf(fault.InvalidArgument, op, fmt.Sprintf("server url %q is not absolute", raw))
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fault.Newf(fault.InvalidArgument, op, fmt.Sprintf("server url must use http or https (got %q)", u.Scheme))
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fault.Newf(fault.InvalidArgument, op, fmt.Sprintf("server url %q has no host", raw))
	}

	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}

	return scheme + "://" + host, nil
}

// BaseURL validates raw like NormalizeServerURL but keeps any path prefix,
// without a trailing slash, for building API endpoints of servers hosted
// below the root.
func BaseURL(raw string) (string, error) {
	origin, err := NormalizeServerURL(raw)
	if err != nil {
		return "", err
	}
	u, _ := url.Parse(strings.TrimSpace(raw))
	return origin + strings.TrimRight(u.EscapedPath(), "/"), nil
}
