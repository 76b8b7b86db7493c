package discovery

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/teranos/tasknet/errors"
)

// Ports tried, in order, for an address given without scheme or port.
// https on its default port first, then the usual kolibri http ports.
var defaultVariations = []struct {
	scheme string
	port   int
}{
	{"https", 443},
	{"http", 8080},
	{"http", 80},
	{"http", 8008},
}

var defaultPorts = map[string]int{"http": 80, "https": 443}

// URLVariations expands a user-entered peer address into the candidate base
// URLs to probe, most likely first. Candidates are canonical (see
// CanonicalURL). An explicit scheme or port is tried first as given.
func URLVariations(address string) ([]string, error) {
	raw := strings.TrimSpace(address)
	if raw == "" {
		return nil, errors.NewInvalidRequestError("address is empty")
	}

	hasScheme := strings.Contains(raw, "://")
	if !hasScheme {
		raw = "placeholder://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.WrapInvalidRequest(err, "invalid address")
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, errors.NewInvalidRequestError("address %q has no host", address)
	}
	path := strings.TrimRight(u.Path, "/")

	port := 0
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return nil, errors.NewInvalidRequestError("address %q has an invalid port", address)
		}
	}

	scheme := ""
	if hasScheme {
		scheme = strings.ToLower(u.Scheme)
		if _, ok := defaultPorts[scheme]; !ok {
			return nil, errors.NewInvalidRequestError("scheme %q is not http or https", u.Scheme)
		}
	}

	var out []string
	seen := map[string]bool{}
	add := func(scheme string, port int) {
		candidate := buildURL(scheme, host, port, path)
		if !seen[candidate] {
			seen[candidate] = true
			out = append(out, candidate)
		}
	}

	switch {
	case scheme != "" && port != 0:
		add(scheme, port)
	case scheme != "":
		add(scheme, defaultPorts[scheme])
		for _, v := range defaultVariations {
			if v.scheme == scheme {
				add(v.scheme, v.port)
			}
		}
	case port != 0:
		add("http", port)
		add("https", port)
	default:
		for _, v := range defaultVariations {
			add(v.scheme, v.port)
		}
	}
	return out, nil
}

// CanonicalURL normalizes a base URL: lower-case scheme and host, default
// port dropped, no trailing slash.
func CanonicalURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", errors.WrapInvalidRequest(err, "invalid base URL")
	}
	scheme := strings.ToLower(u.Scheme)
	if _, ok := defaultPorts[scheme]; !ok {
		return "", errors.NewInvalidRequestError("base URL %q must be http or https", baseURL)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", errors.NewInvalidRequestError("base URL %q has no host", baseURL)
	}
	port := 0
	if p := u.Port(); p != "" {
		if port, err = strconv.Atoi(p); err != nil {
			return "", errors.NewInvalidRequestError("base URL %q has an invalid port", baseURL)
		}
	}
	return buildURL(scheme, host, port, strings.TrimRight(u.Path, "/")), nil
}

func buildURL(scheme, host string, port int, path string) string {
	hostport := host
	if strings.Contains(host, ":") {
		hostport = "[" + host + "]"
	}
	if port != 0 && port != defaultPorts[scheme] {
		hostport = net.JoinHostPort(host, strconv.Itoa(port))
	}
	return scheme + "://" + hostport + path
}
