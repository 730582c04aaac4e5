package rawhttp

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"testing"
)

func TestResponse_Bytes_ExactWireFormat(t *testing.T) {
	tests := []struct {
		name string
		resp Response
		want string
	}{
		{
			name: "ok",
			resp: OK([]byte(`{"a":1}`)),
			want: "HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: 7\r\n\r\n{\"a\":1}",
		},
		{
			name: "not found",
			resp: Error(StatusNotFound),
			want: "HTTP/1.1 404 NOT FOUND\r\nContent-Length: 18\r\n\r\nErr 404: Not Found",
		},
		{
			name: "internal server error",
			resp: Error(StatusInternalServerError),
			want: "HTTP/1.1 500 INTERNAL SERVER ERROR\r\nContent-Length: 30\r\n\r\nErr 500: Internal Server Error",
		},
		{
			name: "ok empty body",
			resp: OK(nil),
			want: "HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: 0\r\n\r\n",
		},
		{
			name: "body trailing newline kept verbatim",
			resp: OK([]byte("[]\n")),
			want: "HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: 3\r\n\r\n[]\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(tt.resp.Bytes()); got != tt.want {
				t.Fatalf("Bytes() =\n%q\nwant\n%q", got, tt.want)
			}
		})
	}
}

func TestResponse_ContentTypeOnlyForOK(t *testing.T) {
	r := Response{Status: StatusNotFound, ContentType: ContentTypeJSON, Body: []byte("x")}
	if strings.Contains(string(r.Bytes()), "Content-Type") {
		t.Fatal("non-OK responses must not carry Content-Type")
	}
}

// Content-Length must count bytes, not runes.
func TestResponse_ContentLengthMatchesBody(t *testing.T) {
	bodies := [][]byte{
		nil,
		[]byte(`{"name":"Zoë","emoji":"🚀"}`),
		bytes.Repeat([]byte("x"), 70000),
	}
	for _, body := range bodies {
		raw := string(OK(body).Bytes())
		head, rest, ok := strings.Cut(raw, "\r\n\r\n")
		if !ok {
			t.Fatal("missing header terminator")
		}
		var cl int
		for _, h := range strings.Split(head, "\r\n")[1:] {
			if v, found := strings.CutPrefix(h, "Content-Length: "); found {
				cl, _ = strconv.Atoi(v)
			}
		}
		if cl != len(rest) || cl != len(body) {
			t.Fatalf("Content-Length %d, body %d, want %d", cl, len(rest), len(body))
		}
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestResponse_WriteTo(t *testing.T) {
	var buf bytes.Buffer
	n, err := Error(StatusNotFound).WriteTo(&buf)
	if err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if int(n) != buf.Len() {
		t.Fatalf("n = %d, buffer = %d", n, buf.Len())
	}

	if _, err := OK([]byte("{}")).WriteTo(failingWriter{}); err == nil {
		t.Fatal("expected write error")
	}
}
