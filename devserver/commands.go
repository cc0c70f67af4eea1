package devserver

import (
	"errors"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/luma/kvwire/protocol"
	"github.com/luma/kvwire/storage"
)

type flag uint8

const (
	// flagQueued commands are queued between MULTI and EXEC.
	flagQueued flag = 1 << iota

	// flagSubscribed commands may run while the connection is subscribed.
	flagSubscribed

	// flagNoAuth commands may run before AUTH.
	flagNoAuth
)

type command struct {
	// minArgs and maxArgs bound the arguments after the name, a negative
	// maxArgs means no upper bound.
	minArgs, maxArgs int
	flags            flag

	// run returns the reply to push, or nil when it pushed its own frames.
	run func(c *serverConn, args []string) protocol.Reply
}

func (cmd command) accepts(args []string) bool {
	return len(args) >= cmd.minArgs && (cmd.maxArgs < 0 || len(args) <= cmd.maxArgs)
}

func (cmd command) has(f flag) bool {
	return cmd.flags&f != 0
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"PING":        {minArgs: 0, maxArgs: 1, flags: flagQueued | flagSubscribed | flagNoAuth, run: pingCommand},
		"ECHO":        {minArgs: 1, maxArgs: 1, flags: flagQueued, run: echoCommand},
		"AUTH":        {minArgs: 1, maxArgs: 1, flags: flagNoAuth, run: authCommand},
		"QUIT":        {minArgs: 0, maxArgs: 0, flags: flagSubscribed | flagNoAuth, run: quitCommand},
		"CLIENT":      {minArgs: 1, maxArgs: 2, run: clientCommand},
		"GET":         {minArgs: 1, maxArgs: 1, flags: flagQueued, run: getCommand},
		"SET":         {minArgs: 2, maxArgs: 2, flags: flagQueued, run: setCommand},
		"DEL":         {minArgs: 1, maxArgs: -1, flags: flagQueued, run: delCommand},
		"INCR":        {minArgs: 1, maxArgs: 1, flags: flagQueued, run: incrCommand},
		"PUBLISH":     {minArgs: 2, maxArgs: 2, flags: flagQueued, run: publishCommand},
		"SUBSCRIBE":   {minArgs: 1, maxArgs: -1, flags: flagSubscribed, run: subscribeCommand},
		"UNSUBSCRIBE": {minArgs: 0, maxArgs: -1, flags: flagSubscribed, run: unsubscribeCommand},
		"WATCH":       {minArgs: 1, maxArgs: -1, run: watchCommand},
		"UNWATCH":     {minArgs: 0, maxArgs: 0, run: unwatchCommand},
		"MULTI":       {minArgs: 0, maxArgs: 0, run: multiCommand},
		"EXEC":        {minArgs: 0, maxArgs: 0, run: execCommand},
		"DISCARD":     {minArgs: 0, maxArgs: 0, run: discardCommand},
	}
}

// handle runs one command and reports whether the client asked to quit.
func (c *serverConn) handle(args []string) (quit bool) {
	name := strings.ToUpper(args[0])
	reply := c.dispatch(name, args[1:])

	_, isErr := reply.(protocol.Error)
	c.server.metrics.handled(strings.ToLower(name), isErr)

	if reply != nil {
		if err := c.push(reply); err != nil {
			return true
		}
	}

	return name == "QUIT"
}

func (c *serverConn) dispatch(name string, args []string) protocol.Reply {
	cmd, ok := commands[name]

	switch {
	case !c.authenticated && !(ok && cmd.has(flagNoAuth)):
		return protocol.Error("NOAUTH Authentication required.")

	case !ok:
		c.queueFailed = c.multi
		return protocol.Error("ERR unknown command '" + strings.ToLower(name) + "'")

	case !cmd.accepts(args):
		c.queueFailed = c.multi
		return protocol.Error("ERR wrong number of arguments for '" + strings.ToLower(name) + "' command")

	case len(c.subscriptions) > 0 && !cmd.has(flagSubscribed):
		return protocol.Error("ERR Can't execute '" + strings.ToLower(name) +
			"': only SUBSCRIBE / UNSUBSCRIBE / PING / QUIT are allowed in this context")
	}

	if c.multi && name != "EXEC" && name != "DISCARD" && name != "MULTI" && name != "WATCH" && name != "QUIT" {
		if !cmd.has(flagQueued) {
			c.queueFailed = true
			return protocol.Error("ERR Command not allowed inside a transaction")
		}

		c.queued = append(c.queued, append([]string{name}, args...))
		return protocol.QUEUED
	}

	c.server.execMu.Lock()
	defer c.server.execMu.Unlock()

	return cmd.run(c, args)
}

func pingCommand(c *serverConn, args []string) protocol.Reply {
	if len(c.subscriptions) > 0 {
		message := ""
		if len(args) == 1 {
			message = args[0]
		}

		return protocol.Arr(protocol.Bulk("pong"), protocol.Bulk(message))
	}

	if len(args) == 1 {
		return protocol.Bulk(args[0])
	}

	return protocol.SimpleString("PONG")
}

func echoCommand(c *serverConn, args []string) protocol.Reply {
	return protocol.Bulk(args[0])
}

func authCommand(c *serverConn, args []string) protocol.Reply {
	if c.server.password == "" {
		return protocol.Error("ERR AUTH <password> called without any password configured for the default user")
	}

	if args[0] != c.server.password {
		return protocol.Error("WRONGPASS invalid username-password pair or user is disabled.")
	}

	c.authenticated = true

	return protocol.OK
}

func quitCommand(c *serverConn, args []string) protocol.Reply {
	return protocol.OK
}

func clientCommand(c *serverConn, args []string) protocol.Reply {
	switch sub := strings.ToUpper(args[0]); {
	case sub == "SETNAME" && len(args) == 2:
		if strings.ContainsAny(args[1], " \n") {
			return protocol.Error("ERR Client names cannot contain spaces, newlines or special characters.")
		}

		c.name = args[1]
		c.log.Debug("Client named", zap.String("name", c.name))

		return protocol.OK

	case sub == "GETNAME" && len(args) == 1:
		if c.name == "" {
			return protocol.NullBulk
		}

		return protocol.Bulk(c.name)

	default:
		return protocol.Error("ERR unknown subcommand or wrong number of arguments for '" + args[0] + "'")
	}
}

func getCommand(c *serverConn, args []string) protocol.Reply {
	value, ok, err := c.server.store.Get(c.ctx, args[0])
	if err != nil {
		return storeError(err)
	}

	if !ok {
		return protocol.NullBulk
	}

	return protocol.Bulk(value)
}

func setCommand(c *serverConn, args []string) protocol.Reply {
	if err := c.server.store.Set(c.ctx, args[0], args[1]); err != nil {
		return storeError(err)
	}

	return protocol.OK
}

func delCommand(c *serverConn, args []string) protocol.Reply {
	n, err := c.server.store.Del(c.ctx, args...)
	if err != nil {
		return storeError(err)
	}

	return protocol.Integer(n)
}

func incrCommand(c *serverConn, args []string) protocol.Reply {
	n, err := c.server.store.Incr(c.ctx, args[0])
	if err != nil {
		return storeError(err)
	}

	return protocol.Integer(n)
}

func publishCommand(c *serverConn, args []string) protocol.Reply {
	n, err := c.server.broker.publish(args[0], args[1])
	if err != nil {
		c.log.Warn("Failed to deliver to some subscribers",
			zap.String("channel", args[0]),
			zap.Error(err))
	}

	return protocol.Integer(n)
}

func subscribeCommand(c *serverConn, args []string) protocol.Reply {
	for _, channel := range args {
		if !slices.Contains(c.subscriptions, channel) {
			c.subscriptions = append(c.subscriptions, channel)
			c.server.broker.subscribe(c, channel)
		}

		if err := c.push(subscriptionFrame("subscribe", channel, len(c.subscriptions))); err != nil {
			return nil
		}
	}

	return nil
}

func unsubscribeCommand(c *serverConn, args []string) protocol.Reply {
	channels := args
	if len(channels) == 0 {
		channels = slices.Clone(c.subscriptions)
	}

	if len(channels) == 0 {
		return protocol.Arr(protocol.Bulk("unsubscribe"), protocol.NullBulk, protocol.Integer(0))
	}

	for _, channel := range channels {
		if idx := slices.Index(c.subscriptions, channel); idx >= 0 {
			c.subscriptions = slices.Delete(c.subscriptions, idx, idx+1)
			c.server.broker.unsubscribe(c, channel)
		}

		if err := c.push(subscriptionFrame("unsubscribe", channel, len(c.subscriptions))); err != nil {
			return nil
		}
	}

	return nil
}

func subscriptionFrame(kind, channel string, count int) protocol.Array {
	return protocol.Arr(protocol.Bulk(kind), protocol.Bulk(channel), protocol.Integer(count))
}

func watchCommand(c *serverConn, args []string) protocol.Reply {
	if c.multi {
		return protocol.Error("ERR WATCH inside MULTI is not allowed")
	}

	for _, key := range args {
		if _, ok := c.watched[key]; !ok {
			c.watched[key] = c.server.store.Version(key)
		}
	}

	return protocol.OK
}

func unwatchCommand(c *serverConn, args []string) protocol.Reply {
	c.watched = make(map[string]uint64)

	return protocol.OK
}

func multiCommand(c *serverConn, args []string) protocol.Reply {
	if c.multi {
		return protocol.Error("ERR MULTI calls can not be nested")
	}

	c.multi = true

	return protocol.OK
}

// execCommand runs the queued commands while holding execMu, so nothing
// else touches the store between the watch check and the last command.
func execCommand(c *serverConn, args []string) protocol.Reply {
	if !c.multi {
		return protocol.Error("ERR EXEC without MULTI")
	}

	queued, failed, watched := c.queued, c.queueFailed, c.watched
	c.resetTx()

	if failed {
		return protocol.Error("EXECABORT Transaction discarded because of previous errors.")
	}

	for key, version := range watched {
		if c.server.store.Version(key) != version {
			c.log.Debug("Transaction aborted by watched key", zap.String("key", key))
			return protocol.NullArray
		}
	}

	replies := make([]protocol.Reply, 0, len(queued))
	for _, args := range queued {
		replies = append(replies, commands[args[0]].run(c, args[1:]))
	}

	return protocol.Arr(replies...)
}

func discardCommand(c *serverConn, args []string) protocol.Reply {
	if !c.multi {
		return protocol.Error("ERR DISCARD without MULTI")
	}

	c.resetTx()

	return protocol.OK
}

func (c *serverConn) resetTx() {
	c.multi = false
	c.queued = nil
	c.queueFailed = false
	c.watched = make(map[string]uint64)
}

func storeError(err error) protocol.Error {
	if errors.Is(err, storage.ErrNotInteger) {
		return protocol.Error("ERR value is not an integer or out of range")
	}

	return protocol.Error("ERR " + err.Error())
}
