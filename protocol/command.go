package protocol

import (
	"bytes"
	"strconv"
)

// Command is an ordered list of binary safe arguments, the first being the
// command name. A valid command has at least one argument.
type Command [][]byte

// NewCommand builds a command from a name and raw arguments.
func NewCommand(name string, args ...[]byte) Command {
	cmd := make(Command, 0, len(args)+1)
	cmd = append(cmd, []byte(name))
	return append(cmd, args...)
}

// Strings builds a command out of string arguments.
func Strings(args ...string) Command {
	cmd := make(Command, len(args))
	for i, a := range args {
		cmd[i] = []byte(a)
	}

	return cmd
}

// Name returns the upper cased command name, or "" for an empty command.
func (c Command) Name() string {
	if len(c) == 0 {
		return ""
	}

	return string(bytes.ToUpper(c[0]))
}

// Args returns every argument after the name.
func (c Command) Args() [][]byte {
	if len(c) == 0 {
		return nil
	}

	return c[1:]
}

func (c Command) String() string {
	var b bytes.Buffer

	for i, arg := range c {
		if i > 0 {
			b.WriteByte(' ')
		}

		if i == 0 {
			b.Write(arg)
			continue
		}
		b.WriteString(strconv.Quote(string(arg)))
	}

	return b.String()
}
