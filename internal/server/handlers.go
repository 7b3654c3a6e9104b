package server

import (
	"strconv"

	"github.com/loganszeto/linekv/internal/protocol"
	"github.com/loganszeto/linekv/internal/stats"
	"github.com/loganszeto/linekv/internal/store"
)

const (
	replyPong    = "PONG"
	replyOK      = "OK"
	replyUpdated = "Updated"
)

func (s *Server) dispatch(cmd protocol.Command) protocol.Response {
	return Dispatch(s.st, s.stats, cmd)
}

// Dispatch applies cmd to st and builds the reply. Rejected commands never
// reach the store.
func Dispatch(st store.Store, m *stats.Stats, cmd protocol.Command) protocol.Response {
	if cmd.Err != nil {
		m.RecordError(protocol.ErrorKind(cmd.Err))
		return protocol.Error(cmd.Err.Error())
	}
	m.RecordCommand(cmd.Type.String())

	switch cmd.Type {
	case protocol.CmdPing:
		return protocol.Simple(replyPong)
	case protocol.CmdEcho:
		return protocol.Bulk(cmd.Text)
	case protocol.CmdGet:
		val, ok := st.Get(cmd.Key)
		m.RecordGet(ok)
		if !ok {
			return protocol.Nil()
		}
		return protocol.Bulk(string(val))
	case protocol.CmdSet:
		applied, replaced := st.Set(cmd.Key, cmd.Value, cmd.SetOpts)
		switch {
		case !applied:
			return protocol.Nil()
		case replaced:
			return protocol.Simple(replyUpdated)
		default:
			return protocol.Simple(replyOK)
		}
	case protocol.CmdDel:
		return protocol.Simple(strconv.Itoa(st.Del(cmd.Keys...)))
	case protocol.CmdExists:
		return protocol.Simple(strconv.Itoa(st.Exists(cmd.Keys...)))
	case protocol.CmdExpireAt:
		return protocol.Simple(strconv.FormatBool(st.ExpireAt(cmd.Key, cmd.When)))
	case protocol.CmdPersist:
		return protocol.Simple(strconv.FormatBool(st.Persist(cmd.Key)))
	case protocol.CmdTTLMs:
		ms, ok := st.TTLMs(cmd.Key)
		if !ok {
			return protocol.Nil()
		}
		return protocol.Simple(strconv.FormatInt(ms, 10))
	default:
		m.RecordError(protocol.ErrorKind(protocol.ErrUnknownCommand))
		return protocol.Error(protocol.ErrUnknownCommand.Error())
	}
}
