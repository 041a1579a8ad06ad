package dicomweb

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"sort"
	"strings"

	"github.com/google/uuid"
)

const (
	maxBoundaryLength = 70
	maxHeaderBytes    = 16 << 10
	maxBoundaryPad    = 1 << 10
	readChunkSize     = 32 << 10
)

var crlf = []byte("\r\n")

// Part is one body of a multipart/related response
type Part struct {
	Header textproto.MIMEHeader
	Body   []byte
}

// ContentType returns the part's Content-Type header
func (p Part) ContentType() string {
	return p.Header.Get("Content-Type")
}

// ContentLocation returns the part's Content-Location header
func (p Part) ContentLocation() string {
	return p.Header.Get("Content-Location")
}

type parseState int

const (
	statePreamble parseState = iota
	stateBoundaryTail
	stateHeaders
	stateBody
	stateDone
)

func (s parseState) String() string {
	switch s {
	case statePreamble:
		return "preamble"
	case stateBoundaryTail:
		return "boundary"
	case stateHeaders:
		return "headers"
	case stateBody:
		return "body"
	case stateDone:
		return "done"
	}
	return "unknown"
}

// Parser demultiplexes a multipart/related stream. Bytes may be written in
// chunks of any size; completed parts are collected with Parts.
type Parser struct {
	delim       []byte
	buf         []byte
	state       parseState
	header      textproto.MIMEHeader
	headerBytes int
	body        []byte
	parts       []Part
	err         error
}

// NewParser returns a parser for the given boundary
func NewParser(boundary string) (*Parser, error) {
	if boundary == "" {
		return nil, &ParseError{Op: "multipart", Err: errors.New("empty boundary")}
	}
	if len(boundary) > maxBoundaryLength {
		return nil, &ParseError{Op: "multipart", Err: fmt.Errorf("boundary longer than %d bytes", maxBoundaryLength)}
	}

	// Seed with CRLF so a boundary at offset zero matches the delimiter.
	return &Parser{
		delim: []byte("\r\n--" + boundary),
		buf:   []byte("\r\n"),
		state: statePreamble,
	}, nil
}

// Write feeds bytes into the state machine
func (p *Parser) Write(chunk []byte) (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	p.buf = append(p.buf, chunk...)
	if err := p.advance(); err != nil {
		p.err = err
		return 0, err
	}
	return len(chunk), nil
}

// Parts returns and clears the parts completed so far
func (p *Parser) Parts() []Part {
	parts := p.parts
	p.parts = nil
	return parts
}

// Close reports a truncated stream if the closing delimiter was not seen
func (p *Parser) Close() error {
	if p.err != nil {
		return p.err
	}
	if p.state != stateDone {
		p.err = &ParseError{
			Op:  "multipart",
			Err: fmt.Errorf("unexpected end of stream in %s", p.state),
		}
		return p.err
	}
	return nil
}

func (p *Parser) advance() error {
	for {
		switch p.state {
		case statePreamble:
			i := bytes.Index(p.buf, p.delim)
			if i < 0 {
				p.keepTail()
				return nil
			}
			p.buf = p.buf[i+len(p.delim):]
			p.state = stateBoundaryTail

		case stateBoundaryTail:
			if len(p.buf) < 2 {
				return nil
			}
			if p.buf[0] == '-' && p.buf[1] == '-' {
				p.state = stateDone
				continue
			}
			i := bytes.Index(p.buf, crlf)
			if i < 0 {
				if len(p.buf) > maxBoundaryPad || !isPadding(p.buf, true) {
					return p.fail("unexpected bytes after boundary")
				}
				return nil
			}
			if !isPadding(p.buf[:i], false) {
				return p.fail("unexpected bytes after boundary")
			}
			p.buf = p.buf[i+len(crlf):]
			p.header = make(textproto.MIMEHeader)
			p.headerBytes = 0
			p.state = stateHeaders

		case stateHeaders:
			if len(p.buf) < len(crlf) {
				return nil
			}
			if bytes.HasPrefix(p.buf, crlf) {
				p.buf = p.buf[len(crlf):]
				p.body = nil
				p.state = stateBody
				continue
			}
			i := bytes.Index(p.buf, crlf)
			if i < 0 {
				if p.headerBytes+len(p.buf) > maxHeaderBytes {
					return p.fail("part headers too large")
				}
				return nil
			}
			if err := p.parseHeaderLine(p.buf[:i]); err != nil {
				return err
			}
			p.headerBytes += i + len(crlf)
			if p.headerBytes > maxHeaderBytes {
				return p.fail("part headers too large")
			}
			p.buf = p.buf[i+len(crlf):]

		case stateBody:
			i := bytes.Index(p.buf, p.delim)
			if i < 0 {
				keep := len(p.delim) - 1
				if len(p.buf) > keep {
					p.body = append(p.body, p.buf[:len(p.buf)-keep]...)
					n := copy(p.buf, p.buf[len(p.buf)-keep:])
					p.buf = p.buf[:n]
				}
				return nil
			}
			body := append(p.body, p.buf[:i]...)
			if body == nil {
				body = []byte{}
			}
			p.parts = append(p.parts, Part{Header: p.header, Body: body})
			p.body = nil
			p.header = nil
			p.buf = p.buf[i+len(p.delim):]
			p.state = stateBoundaryTail

		case stateDone:
			// Epilogue is ignored.
			p.buf = p.buf[:0]
			return nil
		}
	}
}

func (p *Parser) parseHeaderLine(line []byte) error {
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return p.fail(fmt.Sprintf("malformed part header %q", truncate(string(line), 64)))
	}
	key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(string(line[:colon])))
	value := strings.TrimSpace(string(line[colon+1:]))
	p.header.Add(key, value)
	return nil
}

// keepTail discards preamble bytes that cannot start a delimiter
func (p *Parser) keepTail() {
	keep := len(p.delim) - 1
	if len(p.buf) > keep {
		n := copy(p.buf, p.buf[len(p.buf)-keep:])
		p.buf = p.buf[:n]
	}
}

func (p *Parser) fail(msg string) error {
	return &ParseError{Op: "multipart", Err: errors.New(msg)}
}

// isPadding reports whether b holds only transport padding. A trailing CR
// is allowed when more input may complete the line.
func isPadding(b []byte, partial bool) bool {
	for i, c := range b {
		switch {
		case c == ' ' || c == '\t':
		case c == '\r' && partial && i == len(b)-1:
		default:
			return false
		}
	}
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ParseMultipart reads a whole multipart/related stream
func ParseMultipart(r io.Reader, boundary string) ([]Part, error) {
	p, err := NewParser(boundary)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, readChunkSize)
	var parts []Part
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, err := p.Write(buf[:n]); err != nil {
				return nil, err
			}
			parts = append(parts, p.Parts()...)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, rerr
		}
	}
	if err := p.Close(); err != nil {
		return nil, err
	}
	return parts, nil
}

// NewBoundary returns a random boundary token
func NewBoundary() string {
	return "viewer-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// EncodeMultipart writes parts as a multipart/related body
func EncodeMultipart(w io.Writer, boundary string, parts []Part) error {
	for _, part := range parts {
		if bytes.Contains(part.Body, []byte("\r\n--"+boundary)) {
			return fmt.Errorf("part body contains the boundary %q", boundary)
		}
		if _, err := io.WriteString(w, "--"+boundary+"\r\n"); err != nil {
			return err
		}

		keys := make([]string, 0, len(part.Header))
		for k := range part.Header {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			for _, v := range part.Header[k] {
				if _, err := io.WriteString(w, k+": "+v+"\r\n"); err != nil {
					return err
				}
			}
		}

		if _, err := io.WriteString(w, "\r\n"); err != nil {
			return err
		}
		if _, err := w.Write(part.Body); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "\r\n"); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "--"+boundary+"--\r\n")
	return err
}
