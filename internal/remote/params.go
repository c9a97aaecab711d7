// ABOUTME: Connection parameters parsed from user@host[:port] strings.
// ABOUTME: Builds the ssh argument list used to launch the transport.

package remote

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ConnectionParams identifies a remote host. Port zero means the transport's
// default port.
type ConnectionParams struct {
	User         string
	Host         string
	Port         int
	IdentityFile string
}

// ParseConnectionString parses "user@host", "user@host:port" and the
// bracketed IPv6 form "user@[::1]:port". User and host must be non-empty.
func ParseConnectionString(s string) (ConnectionParams, error) {
	s = strings.TrimSpace(s)
	at := strings.LastIndex(s, "@")
	if at < 0 {
		return ConnectionParams{}, fmt.Errorf("%w: %q is missing user@", ErrInvalidConnectionString, s)
	}
	user, hostPort := s[:at], s[at+1:]
	if user == "" {
		return ConnectionParams{}, fmt.Errorf("%w: %q has an empty user", ErrInvalidConnectionString, s)
	}

	host, portStr, err := splitHostPort(hostPort)
	if err != nil {
		return ConnectionParams{}, fmt.Errorf("%w: %q: %v", ErrInvalidConnectionString, s, err)
	}
	if host == "" {
		return ConnectionParams{}, fmt.Errorf("%w: %q has an empty host", ErrInvalidConnectionString, s)
	}

	params := ConnectionParams{User: user, Host: host}
	if portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return ConnectionParams{}, fmt.Errorf("%w: %q has an invalid port", ErrInvalidConnectionString, s)
		}
		params.Port = port
	}
	return params, nil
}

// splitHostPort separates an optional port. A host with several colons and
// no brackets is taken as a bare IPv6 address.
func splitHostPort(s string) (host, port string, err error) {
	if strings.HasPrefix(s, "[") {
		end := strings.Index(s, "]")
		if end < 0 {
			return "", "", errors.New("missing ]")
		}
		host, rest := s[1:end], s[end+1:]
		switch {
		case rest == "":
			return host, "", nil
		case strings.HasPrefix(rest, ":") && len(rest) > 1:
			return host, rest[1:], nil
		default:
			return "", "", fmt.Errorf("unexpected %q after ]", rest)
		}
	}

	switch strings.Count(s, ":") {
	case 0:
		return s, "", nil
	case 1:
		host, port, _ := strings.Cut(s, ":")
		if port == "" {
			return "", "", errors.New("empty port")
		}
		return host, port, nil
	default:
		return s, "", nil
	}
}

// String renders the parameters back into connection string form.
func (p ConnectionParams) String() string {
	host := p.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if p.Port != 0 {
		return fmt.Sprintf("%s@%s:%d", p.User, host, p.Port)
	}
	return p.User + "@" + host
}

// Destination is the user@host argument handed to ssh.
func (p ConnectionParams) Destination() string {
	return p.User + "@" + p.Host
}

// SSHArgs builds the transport arguments: batch authentication, accept-new
// host keys, optional port and identity, any extra arguments, then the
// destination and the remote command.
func (p ConnectionParams) SSHArgs(extra []string, remoteCommand string) []string {
	args := []string{
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=accept-new",
	}
	if p.Port != 0 {
		args = append(args, "-p", strconv.Itoa(p.Port))
	}
	if p.IdentityFile != "" {
		args = append(args, "-i", p.IdentityFile)
	}
	args = append(args, extra...)
	return append(args, p.Destination(), remoteCommand)
}
