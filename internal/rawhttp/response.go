package rawhttp

import (
	"bytes"
	"io"
	"strconv"
)

const (
	crlf            = "\r\n"
	ContentTypeJSON = "application/json"
)

type Response struct {
	Status      Status
	ContentType string
	Body        []byte
}

// OK wraps body as a 200 JSON response.
func OK(body []byte) Response {
	return Response{Status: StatusOK, ContentType: ContentTypeJSON, Body: body}
}

// Error builds the fixed response for a non-OK status.
func Error(s Status) Response {
	body, _ := s.Body()
	return Response{Status: s, Body: []byte(body)}
}

// Bytes assembles status line, Content-Type (OK only), Content-Length, a
// blank line and the body exactly as given.
func (r Response) Bytes() []byte {
	var b bytes.Buffer
	b.Grow(96 + len(r.Body))
	b.WriteString(r.Status.Line())
	b.WriteString(crlf)
	if r.Status == StatusOK && r.ContentType != "" {
		b.WriteString("Content-Type: ")
		b.WriteString(r.ContentType)
		b.WriteString(crlf)
	}
	b.WriteString("Content-Length: ")
	b.WriteString(strconv.Itoa(len(r.Body)))
	b.WriteString(crlf)
	b.WriteString(crlf)
	b.Write(r.Body)
	return b.Bytes()
}

// WriteTo writes the whole response in a single Write call.
func (r Response) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(r.Bytes())
	return int64(n), err
}
