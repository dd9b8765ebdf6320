package wrapper

import "strings"

// Invocation is an immutable snapshot of a compiler command line and the
// environment it was captured under.
type Invocation struct {
	args []string
	env  map[string]string
}

// NewInvocation captures an argument vector (args[0] is the compiler) and an
// environment in "KEY=VALUE" form, as returned by os.Environ.
func NewInvocation(args []string, environ []string) Invocation {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	return Invocation{
		args: append([]string(nil), args...),
		env:  env,
	}
}

// Args returns a copy of the captured argument vector.
func (inv Invocation) Args() []string {
	return append([]string(nil), inv.args...)
}

// Program returns the compiler token (args[0]), or an empty string for an
// empty invocation.
func (inv Invocation) Program() string {
	if len(inv.args) == 0 {
		return ""
	}
	return inv.args[0]
}

// Env looks up a variable in the captured environment snapshot.
func (inv Invocation) Env(name string) (string, bool) {
	v, ok := inv.env[name]
	return v, ok
}
