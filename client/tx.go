package client

import (
	"github.com/luma/kvwire/protocol"
)

// Watch marks keys so that a later Exec aborts if any of them is modified
// by another connection first.
func (c *Conn) Watch(keys ...string) error {
	cmd, err := protocol.NewNamesCommand(protocol.WATCH, keys...)
	if err != nil {
		return err
	}

	return c.expectOK(c.Send(cmd))
}

func (c *Conn) Unwatch() error {
	return c.expectOK(c.Send(protocol.NewCommand(protocol.UNWATCH)))
}

// Multi starts queueing. Until Exec or Discard the server answers every
// command with QUEUED.
func (c *Conn) Multi() error {
	return c.expectOK(c.Send(protocol.NewCommand(protocol.MULTI)))
}

// Exec runs the queued commands and returns their replies in order, which
// may be an empty slice. A null reply means a watched key changed, and
// ErrTxAborted is returned with nothing applied.
func (c *Conn) Exec() ([]protocol.Reply, error) {
	reply, err := c.Send(protocol.NewCommand(protocol.EXEC))
	if err != nil {
		return nil, err
	}

	results, ok := reply.(protocol.Array)
	if !ok {
		return nil, unexpectedReply(protocol.EXEC, reply)
	}

	if results.Null {
		c.metrics.txAborted()
		c.metrics.failed(ErrTxAborted)
		return nil, ErrTxAborted
	}

	return results.Elems, nil
}

func (c *Conn) Discard() error {
	return c.expectOK(c.Send(protocol.NewCommand(protocol.DISCARD)))
}

// Queue sends cmd inside a MULTI block and expects it to be QUEUED. Its
// reply arrives later as an element of the Exec result.
func (c *Conn) Queue(cmd protocol.Command) error {
	reply, err := c.Send(cmd)
	if err != nil {
		return err
	}

	if s, ok := reply.(protocol.SimpleString); !ok || s != protocol.QUEUED {
		return unexpectedReply(cmd.Verb, reply)
	}

	return nil
}
