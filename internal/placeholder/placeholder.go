// Package placeholder implements the brace-token substitution engine used
// when the subscription DSL emits a text frame: "{symbol}:{ch}" style
// templates are resolved against the current loop bindings plus the
// connection id and any named descriptor arguments.
//
// There is no library in the dependency pack for this (text/template solves
// a different, much larger problem — arbitrary Go expressions, control
// flow, method calls — none of which this format needs or should allow),
// so this is a small hand-rolled scanner bounded to single-pass, side-effect
// free substitution.
package placeholder

import (
	"fmt"
	"strings"
)

// Context carries the values a template may reference. Symbol and Channel
// are optional because a generator program may emit outside any foreach
// loop; ConnID is always present once a connection task starts.
type Context struct {
	Symbol  *string
	Channel *string
	ConnID  *string
	Args    map[string]string
}

// Error reports an unresolved placeholder by name.
type Error struct {
	Name string
}

func (e *Error) Error() string {
	return fmt.Sprintf("unknown placeholder '{%s}'", e.Name)
}

// Substitute scans template for "{name}" tokens and replaces each with its
// resolved value. Resolution order is symbol/ch aliases, conn_id, then
// named args; an unresolved name fails the whole substitution rather than
// emitting a partially-filled frame.
func Substitute(template string, ctx Context) (string, error) {
	var out strings.Builder
	out.Grow(len(template))

	i := 0
	for i < len(template) {
		ch := template[i]
		if ch != '{' {
			out.WriteByte(ch)
			i++
			continue
		}

		end := strings.IndexByte(template[i:], '}')
		if end < 0 {
			// Unterminated token: treat the rest as literal text, matching
			// the tolerant behaviour of the reference substitution.
			out.WriteString(template[i:])
			break
		}
		name := template[i+1 : i+end]
		value, ok := resolve(name, ctx)
		if !ok {
			return "", &Error{Name: name}
		}
		out.WriteString(value)
		i += end + 1
	}

	return out.String(), nil
}

func resolve(name string, ctx Context) (string, bool) {
	switch name {
	case "symbol", "s":
		if ctx.Symbol != nil {
			return *ctx.Symbol, true
		}
		return "", false
	case "channel", "ch", "c":
		if ctx.Channel != nil {
			return *ctx.Channel, true
		}
		return "", false
	case "conn_id":
		if ctx.ConnID != nil {
			return *ctx.ConnID, true
		}
		return "", false
	default:
		if ctx.Args != nil {
			if v, ok := ctx.Args[name]; ok {
				return v, true
			}
		}
		return "", false
	}
}
