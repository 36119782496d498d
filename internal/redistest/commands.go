package redistest

import (
	"errors"
	"strconv"
	"strings"

	"github.com/luma/aredis/protocol"
)

var (
	errNotInteger = errors.New("ERR value is not an integer or out of range")

	ok     = protocol.Status("OK")
	queued = protocol.Status("QUEUED")
)

func wrongArgs(name string) protocol.Value {
	return protocol.Error("ERR wrong number of arguments for '" + strings.ToLower(name) + "' command")
}

// handle runs one command and writes its reply. It returns true when the
// connection should be closed.
func (c *serverConn) handle(cmd protocol.Command) bool {
	name := cmd.Name()
	args := cmd.Args()

	if !c.authed && name != "AUTH" && name != "QUIT" {
		c.reply(protocol.Error("NOAUTH Authentication required."))
		return false
	}

	if len(c.channels)+len(c.patterns) > 0 {
		switch name {
		case "SUBSCRIBE", "PSUBSCRIBE", "UNSUBSCRIBE", "PUNSUBSCRIBE", "PING", "QUIT":
		default:
			c.reply(protocol.Error("ERR Can't execute '" + strings.ToLower(name) + "': only (P)SUBSCRIBE / (P)UNSUBSCRIBE / PING / QUIT are allowed in this context"))
			return false
		}
	}

	if c.multi {
		switch name {
		case "EXEC", "DISCARD", "MULTI", "WATCH", "QUIT":
		default:
			if !known(name) {
				c.dirty = true
				c.reply(unknownCommand(name))
				return false
			}

			c.queued = append(c.queued, cmd)
			c.reply(queued)
			return false
		}
	}

	switch name {
	case "QUIT":
		c.reply(ok)
		return true

	case "AUTH":
		c.reply(c.auth(args))

	case "MULTI":
		if c.multi {
			c.reply(protocol.Error("ERR MULTI calls can not be nested"))
			break
		}

		c.multi = true
		c.dirty = false
		c.queued = nil
		c.reply(ok)

	case "EXEC":
		c.reply(c.exec())

	case "DISCARD":
		if !c.multi {
			c.reply(protocol.Error("ERR DISCARD without MULTI"))
			break
		}

		c.multi = false
		c.queued = nil
		c.watched = nil
		c.reply(ok)

	case "WATCH":
		if c.multi {
			c.reply(protocol.Error("ERR WATCH inside MULTI is not allowed"))
			break
		}

		if len(args) == 0 {
			c.reply(wrongArgs(name))
			break
		}

		if c.watched == nil {
			c.watched = make(map[string]uint64)
		}

		for _, key := range args {
			if _, ok := c.watched[string(key)]; !ok {
				c.watched[string(key)] = c.srv.store.Version(c.db, string(key))
			}
		}
		c.reply(ok)

	case "UNWATCH":
		c.watched = nil
		c.reply(ok)

	case "SUBSCRIBE", "PSUBSCRIBE":
		c.subscribe(name, args)

	case "UNSUBSCRIBE", "PUNSUBSCRIBE":
		c.unsubscribe(name, args)

	case "PING":
		c.reply(c.ping(args))

	default:
		c.reply(c.run(cmd))
	}

	return false
}

func known(name string) bool {
	switch name {
	case "PING", "ECHO", "GET", "SET", "DEL", "INCR", "SELECT", "PUBLISH", "DBSIZE":
		return true
	default:
		return false
	}
}

func unknownCommand(name string) protocol.Value {
	return protocol.Error("ERR unknown command '" + strings.ToLower(name) + "'")
}

func (c *serverConn) auth(args [][]byte) protocol.Value {
	if len(args) != 1 {
		return wrongArgs("AUTH")
	}

	if c.srv.password == "" {
		return protocol.Error("ERR AUTH <password> called without any password configured for the default user.")
	}

	if string(args[0]) != c.srv.password {
		return protocol.Error("WRONGPASS invalid username-password pair or user is disabled.")
	}

	c.authed = true
	return ok
}

func (c *serverConn) ping(args [][]byte) protocol.Value {
	payload := protocol.BulkString("")
	if len(args) > 0 {
		payload = protocol.Bulk(args[0])
	}

	if len(c.channels)+len(c.patterns) > 0 {
		return protocol.Array(protocol.BulkString("pong"), payload)
	}

	if len(args) > 0 {
		return payload
	}

	return protocol.Status("PONG")
}

func (c *serverConn) exec() protocol.Value {
	if !c.multi {
		return protocol.Error("ERR EXEC without MULTI")
	}

	queue := c.queued
	dirty := c.dirty
	watched := c.watched

	c.multi = false
	c.dirty = false
	c.queued = nil
	c.watched = nil

	if dirty {
		return protocol.Error("EXECABORT Transaction discarded because of previous errors.")
	}

	for key, version := range watched {
		if c.srv.store.Version(c.db, key) != version {
			return protocol.NullArray()
		}
	}

	replies := make([]protocol.Value, 0, len(queue))
	for _, cmd := range queue {
		replies = append(replies, c.run(cmd))
	}

	return protocol.Array(replies...)
}

// run executes the keyspace commands, the ones that may be queued.
func (c *serverConn) run(cmd protocol.Command) protocol.Value {
	name := cmd.Name()
	args := cmd.Args()
	store := c.srv.store

	switch name {
	case "PING":
		return c.ping(args)

	case "ECHO":
		if len(args) != 1 {
			return wrongArgs(name)
		}
		return protocol.Bulk(args[0])

	case "GET":
		if len(args) != 1 {
			return wrongArgs(name)
		}

		value, found := store.Get(c.db, string(args[0]))
		if !found {
			return protocol.NullBulk()
		}
		return protocol.Bulk(value)

	case "SET":
		if len(args) != 2 {
			return wrongArgs(name)
		}

		store.Set(c.db, string(args[0]), args[1])
		return ok

	case "DEL":
		if len(args) == 0 {
			return wrongArgs(name)
		}

		keys := make([]string, len(args))
		for i, k := range args {
			keys[i] = string(k)
		}
		return protocol.Integer(int64(store.Del(c.db, keys...)))

	case "INCR":
		if len(args) != 1 {
			return wrongArgs(name)
		}

		n, err := store.Incr(c.db, string(args[0]))
		if err != nil {
			return protocol.Error(err.Error())
		}
		return protocol.Integer(n)

	case "DBSIZE":
		return protocol.Integer(int64(store.Len(c.db)))

	case "SELECT":
		if len(args) != 1 {
			return wrongArgs(name)
		}

		db, err := strconv.Atoi(string(args[0]))
		if err != nil || db < 0 || db > 15 {
			return protocol.Error("ERR DB index is out of range")
		}

		c.db = db
		return ok

	case "PUBLISH":
		if len(args) != 2 {
			return wrongArgs(name)
		}
		return protocol.Integer(int64(store.Publish(string(args[0]), args[1])))

	default:
		return unknownCommand(name)
	}
}

func (c *serverConn) subscribe(name string, args [][]byte) {
	if len(args) == 0 {
		c.reply(wrongArgs(name))
		return
	}

	pattern := name == "PSUBSCRIBE"
	set := c.channels
	if pattern {
		set = c.patterns
	}

	for _, arg := range args {
		set[string(arg)] = struct{}{}
		c.srv.store.subscribe(c, string(arg), pattern)

		c.reply(protocol.Array(
			protocol.BulkString(strings.ToLower(name)),
			protocol.Bulk(arg),
			protocol.Integer(int64(len(c.channels)+len(c.patterns))),
		))
	}
}

func (c *serverConn) unsubscribe(name string, args [][]byte) {
	pattern := name == "PUNSUBSCRIBE"
	set := c.channels
	if pattern {
		set = c.patterns
	}

	names := make([]string, 0, len(args))
	for _, arg := range args {
		names = append(names, string(arg))
	}

	if len(names) == 0 {
		for n := range set {
			names = append(names, n)
		}
	}

	if len(names) == 0 {
		c.reply(protocol.Array(
			protocol.BulkString(strings.ToLower(name)),
			protocol.NullBulk(),
			protocol.Integer(int64(len(c.channels)+len(c.patterns))),
		))
		return
	}

	for _, n := range names {
		delete(set, n)
		c.srv.store.unsubscribe(c, n, pattern)

		c.reply(protocol.Array(
			protocol.BulkString(strings.ToLower(name)),
			protocol.BulkString(n),
			protocol.Integer(int64(len(c.channels)+len(c.patterns))),
		))
	}
}
