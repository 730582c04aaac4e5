package rawhttp

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"unicode/utf8"
)

// RequestLineGetRoot is the only request line answered with the file.
const RequestLineGetRoot = "GET / HTTP/1.1"

var (
	// ErrNoRequestLine means the peer closed before sending any bytes.
	ErrNoRequestLine = errors.New("rawhttp: no request line")

	// ErrMalformedRequestLine means the first line is not valid UTF-8 text.
	ErrMalformedRequestLine = errors.New("rawhttp: request line is not valid UTF-8")
)

// ReadRequestLine returns the first line from r with its LF or CRLF
// terminator removed. A final unterminated line is returned as is.
func ReadRequestLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	switch {
	case errors.Is(err, io.EOF) && line == "":
		return "", ErrNoRequestLine
	case err != nil && !errors.Is(err, io.EOF):
		return "", err
	case err == nil:
		line = strings.TrimSuffix(line, "\n")
		line = strings.TrimSuffix(line, "\r")
	}
	if !utf8.ValidString(line) {
		return "", ErrMalformedRequestLine
	}
	return line, nil
}

// Classify maps a request line to the status it is answered with, assuming
// the content is available. Matching is exact and byte-for-byte.
func Classify(line string) Status {
	if line == RequestLineGetRoot {
		return StatusOK
	}
	return StatusNotFound
}
