package gate

import "strings"

const (
	VerbPing          = "ping"
	VerbGroupLockName = "grouplockname"
	VerbNicknameLock  = "nicknamelock"

	subVerbOn = "on"
)

// Command is one parsed chat command.
type Command struct {
	ThreadID string
	SenderID string
	Verb     string
	Args     []string
}

// Parse splits body into a command when it starts with prefix. The verb is
// lowercased; arguments keep their case.
func Parse(prefix, body string) (Command, bool) {
	if prefix == "" || !strings.HasPrefix(body, prefix) {
		return Command{}, false
	}
	fields := strings.Fields(body[len(prefix):])
	if len(fields) == 0 {
		return Command{}, true
	}
	return Command{
		Verb: strings.ToLower(fields[0]),
		Args: fields[1:],
	}, true
}

// On reports whether the first argument is the "on" sub-verb.
func (c Command) On() bool {
	return len(c.Args) > 0 && c.Args[0] == subVerbOn
}

// Value joins the arguments after the sub-verb with single spaces.
func (c Command) Value() string {
	if len(c.Args) < 2 {
		return ""
	}
	return strings.Join(c.Args[1:], " ")
}
