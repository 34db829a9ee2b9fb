package executor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/relaycrm/campaign-engine/pkg/types"
)

// render substitutes {{name}} references in a message body. Names resolve
// against the contact's custom fields first, then the enrollment context,
// then a small set of built-ins. An unresolvable reference is a
// configuration error, not a retryable one.
func render(body string, e *types.Enrollment, snap *types.ContactSnapshot) (string, error) {
	var out strings.Builder
	rest := body
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			out.WriteString(rest)
			return out.String(), nil
		}
		out.WriteString(rest[:open])
		rest = rest[open+2:]
		end := strings.Index(rest, "}}")
		if end < 0 {
			return "", fmt.Errorf("unterminated variable reference in message body")
		}
		name := strings.TrimSpace(rest[:end])
		rest = rest[end+2:]

		v, ok := lookup(name, e, snap)
		if !ok {
			return "", fmt.Errorf("unresolvable variable %q in message body", name)
		}
		out.WriteString(v)
	}
}

func lookup(name string, e *types.Enrollment, snap *types.ContactSnapshot) (string, bool) {
	if v, ok := snap.CustomFields[name]; ok {
		return stringify(v), true
	}
	if v, ok := e.Context[name]; ok {
		return stringify(v), true
	}
	switch name {
	case "contact_id":
		return e.ContactID, true
	case "contact_status":
		return snap.Status, true
	case "contact_source":
		return snap.Source, true
	}
	return "", false
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}
