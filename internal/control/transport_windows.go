//go:build windows

package control

import (
	"errors"
	"fmt"
	"net"
	"os/user"
	"regexp"
	"strings"
	"time"

	"github.com/Microsoft/go-winio"

	"opentmuxd/internal/userutil"
)

const pipeInputBufferSize = 1 << 16

var validSIDPattern = regexp.MustCompile(`^S-1(-\d+)+$`)

// listenControlSocket listens on a Named Pipe derived from socketPath,
// restricted to the current user and SYSTEM via an explicit DACL. Windows
// has no Unix-domain-socket permission model equivalent to mode 0600, so
// the access restriction is expressed as a security descriptor instead.
func listenControlSocket(socketPath string) (net.Listener, error) {
	sd, err := currentUserSecurityDescriptor()
	if err != nil {
		return nil, err
	}
	return winio.ListenPipe(toPipeName(socketPath), &winio.PipeConfig{
		SecurityDescriptor: sd,
		MessageMode:        false,
		InputBufferSize:    pipeInputBufferSize,
		OutputBufferSize:   pipeInputBufferSize,
	})
}

// dialControlSocket dials the Named Pipe derived from socketPath.
func dialControlSocket(socketPath string, timeout time.Duration) (net.Conn, error) {
	return winio.DialPipe(toPipeName(socketPath), &timeout)
}

// toPipeName maps a Unix-style socket path onto a Named Pipe path so
// callers can configure a single SocketPath regardless of platform.
// SanitizeUsername is reused here for its general purpose: stripping
// path separators and other characters a pipe name can't contain.
func toPipeName(socketPath string) string {
	return `\\.\pipe\` + userutil.SanitizeUsername(socketPath)
}

func currentUserSecurityDescriptor() (string, error) {
	current, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("resolve current user: %w", err)
	}
	sid := strings.TrimSpace(current.Uid)
	if sid == "" {
		return "", errors.New("current user SID is unavailable")
	}
	if !validSIDPattern.MatchString(sid) {
		return "", fmt.Errorf("current user SID has unexpected format: %s", sid)
	}
	return fmt.Sprintf("D:P(A;;GA;;;SY)(A;;GA;;;%s)", sid), nil
}
