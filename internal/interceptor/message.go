package interceptor

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/dentiq/payrecon/internal/config"
	"github.com/dentiq/payrecon/internal/resolver"
)

// Message is a posted message from the hosted payment page, reduced to what
// reconciliation needs.
type Message struct {
	Type    string
	Signals resolver.Signals
}

var (
	typeKeys = []string{"type", "event", "action", "name"}
	urlKeys  = map[string]bool{"url": true, "href": true, "location": true, "returnurl": true, "redirecturl": true}
	nestKeys = []string{"data", "payload", "detail"}
	idKeys   = buildIDKeys()
)

func buildIDKeys() map[string]bool {
	keys := map[string]bool{"id": true, "ref": true, "reference": true, "order": true}
	for _, name := range config.DefaultParamNames {
		keys[strings.ToLower(name)] = true
	}
	return keys
}

// ParseMessage accepts a JSON object, a JSON-encoded string or a bare string.
// It reports false for empty input and shapes it cannot read.
func ParseMessage(raw []byte) (Message, bool) {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return Message{}, false
	}

	switch text[0] {
	case '{':
		var obj map[string]any
		if err := json.Unmarshal([]byte(text), &obj); err != nil {
			return Message{}, false
		}
		msg := fromObject(obj, 0)
		return msg, msg.Type != ""
	case '"':
		var inner string
		if err := json.Unmarshal([]byte(text), &inner); err != nil {
			return Message{}, false
		}
		inner = strings.TrimSpace(inner)
		// Some pages double-encode their payloads.
		if strings.HasPrefix(inner, "{") {
			return ParseMessage([]byte(inner))
		}
		return fromString(inner)
	case '[':
		return Message{}, false
	}
	return fromString(text)
}

func fromString(s string) (Message, bool) {
	if s == "" {
		return Message{}, false
	}
	// "type:identifier" is the short form some pages post.
	typ, id, _ := strings.Cut(s, ":")
	msg := Message{Type: normalizeType(typ)}
	if id = strings.TrimSpace(id); id != "" && !strings.HasPrefix(id, "//") {
		addIdentifier(&msg.Signals, id)
	}
	return msg, msg.Type != ""
}

func fromObject(obj map[string]any, depth int) Message {
	var msg Message
	for _, k := range typeKeys {
		if v, ok := obj[k].(string); ok && strings.TrimSpace(v) != "" {
			msg.Type = normalizeType(v)
			break
		}
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		lower := strings.ToLower(k)
		switch v := obj[k].(type) {
		case string:
			v = strings.TrimSpace(v)
			switch {
			case v == "" || isTypeKey(lower):
			case urlKeys[lower]:
				msg.Signals.URLs = append(msg.Signals.URLs, v)
			case isIDKey(lower):
				addIdentifier(&msg.Signals, v)
			}
		case float64:
			if isIDKey(lower) {
				addIdentifier(&msg.Signals, strconv.FormatFloat(v, 'f', -1, 64))
			}
		case map[string]any:
			if depth == 0 && isNestKey(lower) {
				inner := fromObject(v, depth+1)
				if msg.Type == "" {
					msg.Type = inner.Type
				}
				msg.Signals = msg.Signals.Merge(inner.Signals)
			}
		}
	}
	return msg
}

// addIdentifier files order identifiers as strong signals and everything else
// as an unverified hint.
func addIdentifier(sig *resolver.Signals, id string) {
	if resolver.ExtractOrderDigits(id) != "" {
		sig.OrderIDs = append(sig.OrderIDs, id)
		return
	}
	sig.Hints = append(sig.Hints, id)
}

func isIDKey(k string) bool {
	return idKeys[k]
}

func isTypeKey(k string) bool {
	for _, t := range typeKeys {
		if k == t {
			return true
		}
	}
	return false
}

func isNestKey(k string) bool {
	for _, n := range nestKeys {
		if k == n {
			return true
		}
	}
	return false
}

func normalizeType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	return strings.NewReplacer("-", "_", " ", "_").Replace(t)
}

