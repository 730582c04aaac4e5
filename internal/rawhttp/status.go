package rawhttp

import "fmt"

// Status is the closed set of responses the server can produce.
type Status int

const (
	StatusOK Status = iota
	StatusNotFound
	StatusInternalServerError
)

// Line returns the status line without its terminator.
func (s Status) Line() string {
	switch s {
	case StatusOK:
		return "HTTP/1.1 200 OK"
	case StatusNotFound:
		return "HTTP/1.1 404 NOT FOUND"
	case StatusInternalServerError:
		return "HTTP/1.1 500 INTERNAL SERVER ERROR"
	default:
		panic(fmt.Sprintf("rawhttp: unknown status %d", int(s)))
	}
}

// Body returns the fixed body for error statuses. StatusOK has none; its body
// is the cached file.
func (s Status) Body() (string, bool) {
	switch s {
	case StatusOK:
		return "", false
	case StatusNotFound:
		return "Err 404: Not Found", true
	case StatusInternalServerError:
		return "Err 500: Internal Server Error", true
	default:
		panic(fmt.Sprintf("rawhttp: unknown status %d", int(s)))
	}
}

// Code is the numeric status code, used for metrics and logs.
func (s Status) Code() int {
	switch s {
	case StatusOK:
		return 200
	case StatusNotFound:
		return 404
	case StatusInternalServerError:
		return 500
	default:
		panic(fmt.Sprintf("rawhttp: unknown status %d", int(s)))
	}
}

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotFound:
		return "not_found"
	case StatusInternalServerError:
		return "internal_server_error"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}
