// Package esl implements a client for the telephony switch's event socket, a
// line-based MIME-framed command protocol on TCP (FreeSWITCH ESL compatible).
//
// The bridge uses a small command surface: attach a WebSocket audio stream to
// a channel, originate the transfer B-leg, bridge two channels, kill a
// channel, and query endpoint registration for presence.
package esl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrAuthFailed is returned when the switch rejects the password.
var ErrAuthFailed = errors.New("esl: authentication failed")

// CommandError is a -ERR reply from the switch, carrying the cause token
// (e.g. "NO_ANSWER", "USER_NOT_REGISTERED").
type CommandError struct {
	Command string
	Cause   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("esl: %s failed: %s", e.Command, e.Cause)
}

const dialTimeout = 5 * time.Second

// Client is a connected event-socket session. API commands are serialized;
// the switch answers them in order on the same connection.
//
// Client is safe for concurrent use.
type Client struct {
	addr string
	log  *slog.Logger

	mu   sync.Mutex
	conn net.Conn
	tp   *textproto.Reader
}

// Dial connects to the switch control socket and performs the password
// handshake.
func Dial(ctx context.Context, host string, port int, password string, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("esl: dial %s: %w", addr, err)
	}

	c := &Client{
		addr: addr,
		log:  log,
		conn: conn,
		tp:   textproto.NewReader(bufio.NewReader(conn)),
	}

	if err := c.handshake(ctx, password); err != nil {
		conn.Close()
		return nil, err
	}

	log.Info("switch control socket connected", "addr", addr)
	return c, nil
}

// handshake waits for auth/request and answers with the password.
func (c *Client) handshake(ctx context.Context, password string) error {
	c.applyDeadline(ctx)
	hdr, _, err := c.readMessage()
	if err != nil {
		return fmt.Errorf("esl: handshake read: %w", err)
	}
	if hdr.Get("Content-Type") != "auth/request" {
		return fmt.Errorf("esl: unexpected greeting %q", hdr.Get("Content-Type"))
	}

	if _, err := fmt.Fprintf(c.conn, "auth %s\r\n\r\n", password); err != nil {
		return fmt.Errorf("esl: send auth: %w", err)
	}

	hdr, _, err = c.readMessage()
	if err != nil {
		return fmt.Errorf("esl: auth reply: %w", err)
	}
	reply := hdr.Get("Reply-Text")
	if !strings.HasPrefix(reply, "+OK") {
		return fmt.Errorf("%w: %s", ErrAuthFailed, reply)
	}
	return nil
}

// API issues a blocking api command and returns the response body. A body or
// reply beginning with -ERR is surfaced as a [CommandError].
func (c *Client) API(ctx context.Context, command string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return "", errors.New("esl: client closed")
	}
	c.applyDeadline(ctx)

	if _, err := fmt.Fprintf(c.conn, "api %s\r\n\r\n", command); err != nil {
		return "", fmt.Errorf("esl: send %q: %w", command, err)
	}

	// Skip interleaved event frames until the api/response arrives.
	for {
		hdr, body, err := c.readMessage()
		if err != nil {
			return "", fmt.Errorf("esl: read reply for %q: %w", command, err)
		}
		switch hdr.Get("Content-Type") {
		case "api/response":
			body = strings.TrimSpace(body)
			if cause, ok := strings.CutPrefix(body, "-ERR "); ok {
				return "", &CommandError{Command: firstWord(command), Cause: strings.TrimSpace(cause)}
			}
			return body, nil
		case "command/reply":
			reply := strings.TrimSpace(hdr.Get("Reply-Text"))
			if cause, ok := strings.CutPrefix(reply, "-ERR "); ok {
				return "", &CommandError{Command: firstWord(command), Cause: strings.TrimSpace(cause)}
			}
			return reply, nil
		default:
			// event frame; ignore
		}
	}
}

// StartAudioStream attaches a bidirectional WebSocket audio stream to the
// channel. format is the stream profile, e.g. "mono 8k" for μ-law trunks or
// "mono 16k" for PCM16.
func (c *Client) StartAudioStream(ctx context.Context, uuid, wsURL, format string) error {
	_, err := c.API(ctx, fmt.Sprintf("uuid_audio_stream %s start %s %s", uuid, wsURL, format))
	return err
}

// StopAudioStream detaches the WebSocket audio stream from the channel.
func (c *Client) StopAudioStream(ctx context.Context, uuid string) error {
	_, err := c.API(ctx, fmt.Sprintf("uuid_audio_stream %s stop", uuid))
	return err
}

// Originate dials endpoint into the given context application and blocks
// until answer or failure. On success it returns the new channel UUID.
// Variables (origination_timeout and friends) are rendered as a {k=v,...}
// prefix when non-empty.
func (c *Client) Originate(ctx context.Context, endpoint, app string, vars map[string]string) (string, error) {
	cmd := "originate "
	if len(vars) > 0 {
		pairs := make([]string, 0, len(vars))
		for k, v := range vars {
			pairs = append(pairs, k+"="+v)
		}
		cmd += "{" + strings.Join(pairs, ",") + "}"
	}
	cmd += endpoint + " " + app

	body, err := c.API(ctx, cmd)
	if err != nil {
		return "", err
	}
	uuid, ok := strings.CutPrefix(body, "+OK ")
	if !ok {
		return "", fmt.Errorf("esl: originate reply %q has no uuid", body)
	}
	return strings.TrimSpace(uuid), nil
}

// Bridge connects the channel to the endpoint (a second channel UUID or a
// dial string).
func (c *Client) Bridge(ctx context.Context, uuid, endpoint string) error {
	_, err := c.API(ctx, fmt.Sprintf("bridge %s %s", uuid, endpoint))
	return err
}

// Kill hangs up the channel with the given cause (e.g. "NORMAL_CLEARING").
func (c *Client) Kill(ctx context.Context, uuid, cause string) error {
	if cause == "" {
		cause = "NORMAL_CLEARING"
	}
	_, err := c.API(ctx, fmt.Sprintf("uuid_kill %s %s", uuid, cause))
	return err
}

// Contact reports whether user@domain currently has a registered contact.
// The switch answers sofia_contact with an error string for unregistered
// endpoints rather than a -ERR reply.
func (c *Client) Contact(ctx context.Context, user, domain string) (bool, error) {
	body, err := c.API(ctx, fmt.Sprintf("sofia_contact %s@%s", user, domain))
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			return false, nil
		}
		return false, err
	}
	if body == "" || strings.HasPrefix(body, "error/") {
		return false, nil
	}
	return true, nil
}

// Close shuts the control connection down. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	fmt.Fprintf(c.conn, "exit\r\n\r\n")
	err := c.conn.Close()
	c.conn = nil
	return err
}

// applyDeadline maps the context deadline onto the socket, falling back to
// the dial timeout so no command can block forever.
func (c *Client) applyDeadline(ctx context.Context) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(dialTimeout)
	}
	c.conn.SetDeadline(deadline)
}

// readMessage reads one MIME-framed message: headers, blank line, then
// Content-Length bytes of body if present.
func (c *Client) readMessage() (textproto.MIMEHeader, string, error) {
	hdr, err := c.tp.ReadMIMEHeader()
	if err != nil {
		return nil, "", err
	}
	n, _ := strconv.Atoi(hdr.Get("Content-Length"))
	if n <= 0 {
		return hdr, "", nil
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(c.tp.R, body); err != nil {
		return nil, "", err
	}
	return hdr, string(body), nil
}

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i]
	}
	return s
}
