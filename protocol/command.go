package protocol

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidArgument = errors.New("invalid argument")

// Verb names a server command. Underscores separate the words of multi word
// verbs and are written as spaces on the wire.
type Verb string

const (
	PING           Verb = "PING"
	ECHO           Verb = "ECHO"
	AUTH           Verb = "AUTH"
	QUIT           Verb = "QUIT"
	CLIENT_SETNAME Verb = "CLIENT_SETNAME"
	GET            Verb = "GET"
	SET            Verb = "SET"
	DEL            Verb = "DEL"
	INCR           Verb = "INCR"
	PUBLISH        Verb = "PUBLISH"
	SUBSCRIBE      Verb = "SUBSCRIBE"
	UNSUBSCRIBE    Verb = "UNSUBSCRIBE"
	WATCH          Verb = "WATCH"
	UNWATCH        Verb = "UNWATCH"
	MULTI          Verb = "MULTI"
	EXEC           Verb = "EXEC"
	DISCARD        Verb = "DISCARD"
)

// Wire returns the verb as it is written on the wire.
func (v Verb) Wire() string {
	return strings.ReplaceAll(string(v), "_", " ")
}

// Command is a verb and its ordered arguments. When a verb takes a key, the
// key is the first argument.
type Command struct {
	Verb Verb
	Args []string
}

// NewCommand builds a command whose arguments need no validation.
func NewCommand(verb Verb, args ...string) Command {
	return Command{Verb: verb, Args: args}
}

// NewKeyCommand builds a command whose first argument is a key. The key must
// not be empty or whitespace only.
func NewKeyCommand(verb Verb, key string, args ...string) (Command, error) {
	if isBlank(key) {
		return Command{}, fmt.Errorf("%w: %s requires a key", ErrInvalidArgument, verb)
	}

	return Command{Verb: verb, Args: append([]string{key}, args...)}, nil
}

// NewNamesCommand builds a command taking one or more keys or channel names,
// none of which may be blank.
func NewNamesCommand(verb Verb, names ...string) (Command, error) {
	if len(names) == 0 {
		return Command{}, fmt.Errorf("%w: %s requires at least one name", ErrInvalidArgument, verb)
	}

	for i, name := range names {
		if isBlank(name) {
			return Command{}, fmt.Errorf("%w: %s name %d is blank", ErrInvalidArgument, verb, i)
		}
	}

	return Command{Verb: verb, Args: names}, nil
}

func (c Command) String() string {
	return strings.TrimSuffix(string(EncodeCommand(c)), string(Terminal))
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
