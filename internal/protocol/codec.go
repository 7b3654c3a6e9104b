package protocol

import (
	"bufio"
	"errors"
	"strings"
)

const (
	NilMarker   = "(nil)"
	ErrorPrefix = "ERR "
)

var ErrInvalidResponse = errors.New("invalid response")

// Line renders the response as one newline-terminated reply line.
func (r Response) Line() string {
	switch {
	case r.Kind == KindError:
		return ErrorPrefix + r.Text + "\n"
	case r.Kind == KindBulk && r.Nil:
		return NilMarker + "\n"
	default:
		return r.Text + "\n"
	}
}

func (r Response) String() string {
	return strings.TrimSuffix(r.Line(), "\n")
}

func WriteResponse(w *bufio.Writer, r Response) error {
	_, err := w.WriteString(r.Line())
	return err
}

// ReadResponse reads one reply line on the client side. Simple and bulk
// replies share the same encoding, so non-nil data lines come back as
// KindSimple.
func ReadResponse(r *bufio.Reader) (Response, error) {
	line, err := readLine(r)
	if err != nil {
		return Response{}, err
	}
	return DecodeResponse(line)
}

func DecodeResponse(line string) (Response, error) {
	line = strings.TrimRight(line, "\r\n")
	switch {
	case line == NilMarker:
		return Nil(), nil
	case strings.HasPrefix(line, ErrorPrefix):
		return Error(strings.TrimPrefix(line, ErrorPrefix)), nil
	case line == strings.TrimSpace(ErrorPrefix):
		return Response{}, ErrInvalidResponse
	default:
		return Simple(line), nil
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}
