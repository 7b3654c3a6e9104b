package protocol

import (
	"time"

	"github.com/loganszeto/linekv/internal/store"
)

type CmdType int

const (
	CmdUnknown CmdType = iota
	CmdPing
	CmdEcho
	CmdGet
	CmdSet
	CmdDel
	CmdExists
	CmdExpireAt
	CmdPersist
	CmdTTLMs
)

var cmdNames = map[CmdType]string{
	CmdUnknown:  "UNKNOWN",
	CmdPing:     "PING",
	CmdEcho:     "ECHO",
	CmdGet:      "GET",
	CmdSet:      "SET",
	CmdDel:      "DEL",
	CmdExists:   "EXISTS",
	CmdExpireAt: "EXPIREAT",
	CmdPersist:  "PERSIST",
	CmdTTLMs:    "TTLMS",
}

func (c CmdType) String() string {
	if name, ok := cmdNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}

// Command is one parsed request line. Only the fields relevant to Type are
// set. A CmdUnknown command always carries the reason in Err.
type Command struct {
	Type    CmdType
	Key     string
	Keys    []string
	Text    string
	Value   []byte
	SetOpts store.SetOptions
	When    time.Time
	Raw     string
	Err     error
}

type Kind int

const (
	KindSimple Kind = iota
	KindBulk
	KindError
)

// Response is one reply line. A bulk response with Nil set is rendered as the
// nil marker.
type Response struct {
	Kind Kind
	Text string
	Nil  bool
}

func Simple(text string) Response {
	return Response{Kind: KindSimple, Text: text}
}

func Bulk(text string) Response {
	return Response{Kind: KindBulk, Text: text}
}

func Nil() Response {
	return Response{Kind: KindBulk, Nil: true}
}

func Error(msg string) Response {
	return Response{Kind: KindError, Text: msg}
}
