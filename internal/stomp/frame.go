// Package stomp implements the subset of STOMP 1.2 framing the chat broker
// speaks: CONNECT/CONNECTED for the handshake, SUBSCRIBE for the
// per-identity queues, SEND for publishes, MESSAGE for deliveries and ERROR
// for broker-level rejections.
package stomp

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Frame commands used by the chat broker.
const (
	CmdConnect     = "CONNECT"
	CmdConnected   = "CONNECTED"
	CmdSend        = "SEND"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdDisconnect  = "DISCONNECT"
	CmdMessage     = "MESSAGE"
	CmdError       = "ERROR"
	CmdReceipt     = "RECEIPT"
)

// Common header names.
const (
	HdrDestination   = "destination"
	HdrSubscription  = "subscription"
	HdrID            = "id"
	HdrContentType   = "content-type"
	HdrContentLength = "content-length"
	HdrAcceptVersion = "accept-version"
	HdrHost          = "host"
	HdrAuthorization = "Authorization"
	HdrMessage       = "message"
)

// Frame is a single STOMP frame.
type Frame struct {
	Command string
	Headers map[string]string
	Body    []byte
}

// New creates a frame with the given command and alternating key/value
// header pairs.
func New(command string, headers ...string) *Frame {
	f := &Frame{Command: command, Headers: make(map[string]string, len(headers)/2)}
	for i := 0; i+1 < len(headers); i += 2 {
		f.Headers[headers[i]] = headers[i+1]
	}
	return f
}

// Header returns the named header value, or "" if absent.
func (f *Frame) Header(name string) string {
	return f.Headers[name]
}

// Marshal serializes the frame to its wire form, NUL terminated. A
// content-length header is added whenever the frame carries a body.
func (f *Frame) Marshal() []byte {
	var buf bytes.Buffer
	buf.WriteString(f.Command)
	buf.WriteByte('\n')

	escape := f.Command != CmdConnect && f.Command != CmdConnected
	for k, v := range f.Headers {
		if escape {
			k, v = escapeHeader(k), escapeHeader(v)
		}
		buf.WriteString(k)
		buf.WriteByte(':')
		buf.WriteString(v)
		buf.WriteByte('\n')
	}
	if len(f.Body) > 0 {
		if _, ok := f.Headers[HdrContentLength]; !ok {
			buf.WriteString(HdrContentLength)
			buf.WriteByte(':')
			buf.WriteString(strconv.Itoa(len(f.Body)))
			buf.WriteByte('\n')
		}
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// Parse decodes a single frame from its wire form. Heart-beat frames (a
// bare newline) return nil, nil.
func Parse(data []byte) (*Frame, error) {
	data = bytes.TrimSuffix(data, []byte{0})
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	head, body, _ := bytes.Cut(data, []byte("\n\n"))
	lines := strings.Split(strings.ReplaceAll(string(head), "\r\n", "\n"), "\n")
	command := strings.TrimSpace(lines[0])
	if command == "" {
		return nil, fmt.Errorf("stomp: frame missing command")
	}

	f := &Frame{Command: command, Headers: make(map[string]string), Body: body}
	escape := command != CmdConnect && command != CmdConnected
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("stomp: malformed header %q", line)
		}
		if escape {
			var err error
			if k, err = unescapeHeader(k); err != nil {
				return nil, err
			}
			if v, err = unescapeHeader(v); err != nil {
				return nil, err
			}
		}
		// Repeated headers keep the first occurrence, per STOMP 1.2.
		if _, exists := f.Headers[k]; !exists {
			f.Headers[k] = v
		}
	}

	if n := f.Header(HdrContentLength); n != "" {
		length, err := strconv.Atoi(n)
		if err != nil || length < 0 || length > len(body) {
			return nil, fmt.Errorf("stomp: bad content-length %q", n)
		}
		f.Body = body[:length]
	}
	return f, nil
}

var headerEscaper = strings.NewReplacer(
	`\`, `\\`,
	"\r", `\r`,
	"\n", `\n`,
	":", `\c`,
)

func escapeHeader(s string) string {
	return headerEscaper.Replace(s)
}

func unescapeHeader(s string) (string, error) {
	if !strings.ContainsRune(s, '\\') {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		i++
		if i >= len(s) {
			return "", fmt.Errorf("stomp: dangling escape in %q", s)
		}
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		case 'c':
			b.WriteByte(':')
		default:
			return "", fmt.Errorf("stomp: invalid escape \\%c in %q", s[i], s)
		}
	}
	return b.String(), nil
}
