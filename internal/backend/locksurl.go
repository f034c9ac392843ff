package backend

import (
	"bufio"
	"fmt"
	"net/url"
	"strings"
)

// DefaultRemote is the git remote consulted when deriving the locks URL.
const DefaultRemote = "origin"

// parseRemoteFetchURL extracts the fetch URL of remote from `git remote -v`
// output ("<name>\t<url> (fetch)").
func parseRemoteFetchURL(output, remote string) (string, error) {
	if remote == "" {
		remote = DefaultRemote
	}
	sc := bufio.NewScanner(strings.NewReader(output))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || fields[0] != remote {
			continue
		}
		if len(fields) >= 3 && fields[2] != "(fetch)" {
			continue
		}
		return fields[1], nil
	}
	return "", fmt.Errorf("backend: remote %q has no fetch url", remote)
}

// DeriveLocksURL maps a git remote URL to its Git LFS locks endpoint, the way
// git-lfs derives its default endpoint: scp-style and ssh remotes become
// https, a missing .git suffix is added, and /info/lfs/locks is appended.
func DeriveLocksURL(remote string) (string, error) {
	remote = strings.TrimSpace(remote)
	if remote == "" {
		return "", fmt.Errorf("backend: empty remote url")
	}
	var host, path string
	switch {
	case strings.Contains(remote, "://"):
		u, err := url.Parse(remote)
		if err != nil {
			return "", fmt.Errorf("backend: parse remote url: %w", err)
		}
		switch u.Scheme {
		case "http", "https":
			u.User = nil
			u.RawQuery = ""
			u.Fragment = ""
			return appendLocksPath(u.String()), nil
		case "ssh", "git+ssh", "ssh+git":
			host = u.Hostname()
			path = u.Path
		default:
			return "", fmt.Errorf("backend: unsupported remote scheme %q", u.Scheme)
		}
	default:
		// scp-like syntax: [user@]host:path
		at := strings.LastIndex(remote, "@")
		rest := remote[at+1:]
		colon := strings.Index(rest, ":")
		if colon <= 0 {
			return "", fmt.Errorf("backend: unsupported remote url %q", remote)
		}
		host = rest[:colon]
		path = rest[colon+1:]
	}
	if host == "" {
		return "", fmt.Errorf("backend: remote url %q has no host", remote)
	}
	path = "/" + strings.TrimLeft(path, "/")
	return appendLocksPath("https://" + host + path), nil
}

func appendLocksPath(base string) string {
	base = strings.TrimRight(base, "/")
	if !strings.HasSuffix(base, ".git") {
		base += ".git"
	}
	return base + "/info/lfs/locks"
}
