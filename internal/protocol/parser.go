package protocol

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/loganszeto/linekv/internal/store"
)

var (
	ErrEmpty          = errors.New("empty command")
	ErrTooLong        = errors.New("command too long")
	ErrInvalidUTF8    = errors.New("invalid UTF-8")
	ErrUnknownCommand = errors.New("unknown command")
	ErrWrongArity     = errors.New("wrong number of arguments")
	ErrBadArgs        = errors.New("bad arguments")
)

// maxTTLSeconds keeps now+ttl inside time.Duration range.
const maxTTLSeconds = math.MaxInt64 / int64(time.Second)

// ParseError is a request the server rejects without closing the session.
// Msg is the text sent to the client after the error marker.
type ParseError struct {
	Kind error
	Msg  string
}

func (e *ParseError) Error() string { return e.Msg }

func (e *ParseError) Unwrap() error { return e.Kind }

// ErrorKind returns a short label for the rejection class of err.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrEmpty):
		return "empty"
	case errors.Is(err, ErrTooLong):
		return "too_long"
	case errors.Is(err, ErrInvalidUTF8):
		return "invalid_utf8"
	case errors.Is(err, ErrUnknownCommand):
		return "unknown_command"
	case errors.Is(err, ErrWrongArity):
		return "wrong_arity"
	case errors.Is(err, ErrBadArgs):
		return "bad_args"
	default:
		return "other"
	}
}

// TooLong is the command produced for a line that exceeded the read limit.
func TooLong() Command {
	return reject("", &ParseError{Kind: ErrTooLong, Msg: ErrTooLong.Error()})
}

// Parse decodes one request line. Keywords are case-sensitive. Expirations
// given relative to now are resolved against now, which must come from the
// monotonic clock.
func Parse(line []byte, now time.Time) Command {
	if !utf8.Valid(line) {
		return reject("", &ParseError{Kind: ErrInvalidUTF8, Msg: ErrInvalidUTF8.Error()})
	}
	text := strings.TrimSpace(string(line))
	if text == "" {
		return reject("", &ParseError{Kind: ErrEmpty, Msg: ErrEmpty.Error()})
	}

	fields := strings.Fields(text)
	name, args := fields[0], fields[1:]
	switch name {
	case "PING":
		if len(args) != 0 {
			return arity(text, name)
		}
		return Command{Type: CmdPing}
	case "ECHO":
		if len(args) < 1 {
			return arity(text, name)
		}
		return Command{Type: CmdEcho, Text: strings.Join(args, " ")}
	case "GET":
		if len(args) != 1 {
			return arity(text, name)
		}
		return Command{Type: CmdGet, Key: args[0]}
	case "SET":
		if len(args) < 2 {
			return arity(text, name)
		}
		return parseSet(text, args, now)
	case "DEL":
		if len(args) < 1 {
			return arity(text, name)
		}
		return Command{Type: CmdDel, Keys: args}
	case "EXISTS":
		if len(args) < 1 {
			return arity(text, name)
		}
		return Command{Type: CmdExists, Keys: args}
	case "EXPIREAT":
		if len(args) != 2 {
			return arity(text, name)
		}
		secs, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || secs < 0 {
			return badArgs(text, "value is not an integer or out of range")
		}
		if secs > maxTTLSeconds {
			return badArgs(text, "invalid expire time in 'EXPIREAT' command")
		}
		return Command{Type: CmdExpireAt, Key: args[0], When: now.Add(time.Duration(secs) * time.Second)}
	case "PERSIST":
		if len(args) != 1 {
			return arity(text, name)
		}
		return Command{Type: CmdPersist, Key: args[0]}
	case "TTLMS":
		if len(args) != 1 {
			return arity(text, name)
		}
		return Command{Type: CmdTTLMs, Key: args[0]}
	default:
		return reject(text, &ParseError{
			Kind: ErrUnknownCommand,
			Msg:  fmt.Sprintf("unknown command '%s'", name),
		})
	}
}

func isSetModifier(tok string) bool {
	switch tok {
	case "NX", "XX", "DEFAULT", "KEEPTTL", "EX", "PX":
		return true
	}
	return false
}

// parseSet splits "key value... [modifiers]". The value runs from the second
// token up to the first modifier keyword; it always holds at least one token.
func parseSet(text string, args []string, now time.Time) Command {
	key := args[0]
	end := len(args)
	for i := 2; i < len(args); i++ {
		if isSetModifier(args[i]) {
			end = i
			break
		}
	}

	var (
		opts      store.SetOptions
		modeGiven bool
		ttlGiven  bool
	)
	for i := end; i < len(args); i++ {
		switch tok := args[i]; tok {
		case "NX", "XX", "DEFAULT":
			mode := store.SetDefault
			if tok == "NX" {
				mode = store.SetIfAbsent
			} else if tok == "XX" {
				mode = store.SetIfPresent
			}
			if modeGiven && opts.Mode != mode {
				return badArgs(text, "syntax error")
			}
			opts.Mode, modeGiven = mode, true
		case "KEEPTTL":
			opts.KeepTTL = true
		case "EX", "PX":
			if ttlGiven || i+1 >= len(args) {
				return badArgs(text, "syntax error")
			}
			i++
			n, err := strconv.ParseInt(args[i], 10, 64)
			if err != nil {
				return badArgs(text, "value is not an integer or out of range")
			}
			unit := time.Second
			limit := maxTTLSeconds
			if tok == "PX" {
				unit = time.Millisecond
				limit = math.MaxInt64 / int64(time.Millisecond)
			}
			if n <= 0 || n > limit {
				return badArgs(text, "invalid expire time in 'SET' command")
			}
			opts.ExpireAt = now.Add(time.Duration(n) * unit)
			ttlGiven = true
		default:
			return badArgs(text, "syntax error")
		}
	}

	return Command{
		Type:    CmdSet,
		Key:     key,
		Value:   []byte(strings.Join(args[1:end], " ")),
		SetOpts: opts,
	}
}

func reject(raw string, err *ParseError) Command {
	return Command{Type: CmdUnknown, Raw: raw, Err: err}
}

func arity(raw, name string) Command {
	return reject(raw, &ParseError{
		Kind: ErrWrongArity,
		Msg:  fmt.Sprintf("wrong number of arguments for '%s' command", name),
	})
}

func badArgs(raw, msg string) Command {
	return reject(raw, &ParseError{Kind: ErrBadArgs, Msg: msg})
}
