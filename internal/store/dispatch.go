package store

import (
	"fmt"
	"strconv"
	"time"

	"github.com/flashlog/shardkv/internal/engine"
	"github.com/flashlog/shardkv/internal/resp"
)

// Dispatch executes one decoded request against the store and renders a
// RESP-lite reply. It is the thin dispatch layer spec.md §1 describes as
// sitting "over the engine": it recognises PING plus the SET/GET/DEL-shaped
// operations and TTL modifiers spec.md §6 says the engine cares about,
// and nothing else — the full Redis command dictionary is an external
// collaborator this repository does not implement (§1).
//
// REDESIGN FLAGS / DESIGN NOTES: "collapse [a virtual-dispatch command
// hierarchy] into a tagged-variant Command + a single dispatch function"
// (spec.md §9) — Dispatch is exactly that single function; Request's
// Command string is the tag.
func (s *Store) Dispatch(req resp.Request) []byte {
	switch req.Command {
	case "ping":
		return simpleString("PONG")
	case "set":
		return s.dispatchSet(req.Args)
	case "get":
		return s.dispatchGet(req.Args)
	case "del":
		return s.dispatchDel(req.Args)
	case "ttl":
		return s.dispatchTTL(req.Args)
	default:
		return errorReply("ERR", fmt.Sprintf("unknown command %q", req.Command))
	}
}

func (s *Store) dispatchSet(args [][]byte) []byte {
	if len(args) < 2 {
		return errorReply("ERR", "wrong number of arguments for 'set'")
	}
	key, value := args[0], args[1]
	var expireAt time.Time
	for i := 2; i < len(args); i++ {
		switch string(args[i]) {
		case "EX", "ex":
			if i+1 >= len(args) {
				return errorReply("ERR", "syntax error")
			}
			i++
			seconds, err := strconv.ParseInt(string(args[i]), 10, 64)
			if err != nil {
				return errorReply("ERR", "value is not an integer or out of range")
			}
			expireAt = time.Now().Add(time.Duration(seconds) * time.Second)
		default:
			return errorReply("ERR", "syntax error")
		}
	}
	if err := s.Put(key, value, expireAt); err != nil {
		return errFromEngine(err)
	}
	return simpleString("OK")
}

func (s *Store) dispatchGet(args [][]byte) []byte {
	if len(args) != 1 {
		return errorReply("ERR", "wrong number of arguments for 'get'")
	}
	value, found, err := s.Get(args[0])
	if err != nil {
		return errFromEngine(err)
	}
	if !found {
		return nilReply()
	}
	return bulkString(value)
}

func (s *Store) dispatchDel(args [][]byte) []byte {
	if len(args) == 0 {
		return errorReply("ERR", "wrong number of arguments for 'del'")
	}
	var deleted int64
	for _, key := range args {
		_, found, err := s.Get(key)
		if err != nil {
			return errFromEngine(err)
		}
		if !found {
			continue
		}
		if err := s.Delete(key); err != nil {
			return errFromEngine(err)
		}
		deleted++
	}
	return integerReply(deleted)
}

func (s *Store) dispatchTTL(args [][]byte) []byte {
	if len(args) != 1 {
		return errorReply("ERR", "wrong number of arguments for 'ttl'")
	}
	_, found, err := s.Get(args[0])
	if err != nil {
		return errFromEngine(err)
	}
	if !found {
		return integerReply(-2)
	}
	// The engine checks expiry lazily on read and exposes no separate
	// "time remaining" query (spec.md §6 leaves TTL semantics to the
	// collaborator above); a live key with no further metadata reports
	// "no expiry set", matching Redis's -1 sentinel for that case.
	return integerReply(-1)
}

func errFromEngine(err error) []byte {
	switch engine.KindOf(err) {
	case engine.KindNotFound:
		return nilReply()
	case engine.KindProtocolError:
		return errorReply("PROTOCOL", err.Error())
	case engine.KindTimeout:
		return errorReply("TIMEOUT", err.Error())
	case engine.KindWriteDisabled, engine.KindShuttingDown:
		return errorReply("ERR", err.Error())
	default:
		return errorReply("ERR", err.Error())
	}
}

func simpleString(s string) []byte { return []byte("+" + s + "\r\n") }

func bulkString(b []byte) []byte {
	return []byte("$" + strconv.Itoa(len(b)) + "\r\n" + string(b) + "\r\n")
}

func nilReply() []byte { return []byte("$-1\r\n") }

func integerReply(n int64) []byte { return []byte(":" + strconv.FormatInt(n, 10) + "\r\n") }

func errorReply(token, msg string) []byte { return []byte("-" + token + " " + msg + "\r\n") }
