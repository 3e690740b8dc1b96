// Package renderer implements the third pipeline stage: template lookup,
// fallback synthesis, and placeholder substitution.
//
// Substitution deliberately does not use text/template: undeclared
// placeholders must pass through untouched and nothing may be escaped,
// neither of which text/template can express without fighting its own
// undefined-key and escaping behavior. A linear {{/}} scan is sufficient.
package renderer

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Render substitutes every `{{name}}` occurrence in body where name is
// listed in declared, with toString(context[name]) (empty string if
// absent). Occurrences of names not in declared are left verbatim,
// including their braces.
func Render(body string, declared []string, context map[string]any) string {
	if len(declared) == 0 {
		return body
	}

	names := make(map[string]struct{}, len(declared))
	for _, n := range declared {
		names[n] = struct{}{}
	}

	var b strings.Builder
	i := 0
	for i < len(body) {
		start := strings.Index(body[i:], "{{")
		if start == -1 {
			b.WriteString(body[i:])
			break
		}
		start += i

		end := strings.Index(body[start+2:], "}}")
		if end == -1 {
			b.WriteString(body[i:])
			break
		}
		end += start + 2

		name := body[start+2 : end]
		b.WriteString(body[i:start])

		if _, ok := names[name]; ok {
			b.WriteString(toString(context[name]))
		} else {
			b.WriteString(body[start : end+2])
		}

		i = end + 2
	}

	return b.String()
}

func toString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprintf("%v", x)
		}
		return strings.Trim(string(b), `"`)
	}
}

// UserName derives the injected user_name context variable: the part of
// the email before '@', or "User" if there's no email.
func UserName(email string) string {
	if email == "" {
		return "User"
	}
	if i := strings.Index(email, "@"); i > 0 {
		return email[:i]
	}
	return "User"
}

// Fallback synthesizes a subject/body pair when no template is on file for
// (channel, event_type).
func Fallback(eventType string, data map[string]any) (subject, body string) {
	subject = "Notification: " + eventType
	payload, err := json.Marshal(data)
	if err != nil {
		return subject, "{}"
	}
	return subject, string(payload)
}
