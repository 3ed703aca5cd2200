package transport

import (
	"bytes"
	"encoding/json"
	"strings"
)

// ExtractBackendMessage pulls the human-readable message and native error
// code out of an error body. It understands the shapes returned by
// Salesforce ([{"message","errorCode"}]), OData v2 ({"error":{"code",
// "message":{"value"}}}), NetSuite ({"title","o:errorDetails":[...]}) and
// Oracle REST ({"title","detail","o:errorCode"}). Non-JSON bodies are
// returned trimmed as the message.
func ExtractBackendMessage(body []byte) (message, code string) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return "", ""
	}

	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		s := string(body)
		if len(s) > 500 {
			s = s[:500]
		}
		return s, ""
	}

	switch t := v.(type) {
	case []any:
		if len(t) > 0 {
			if m, ok := t[0].(map[string]any); ok {
				return str(m["message"]), str(m["errorCode"])
			}
		}
	case map[string]any:
		if e, ok := t["error"].(map[string]any); ok {
			code = str(e["code"])
			switch msg := e["message"].(type) {
			case map[string]any:
				return str(msg["value"]), code
			case string:
				return msg, code
			}
			return "", code
		}
		if details, ok := t["o:errorDetails"].([]any); ok && len(details) > 0 {
			if d, ok := details[0].(map[string]any); ok {
				return firstNonEmpty(str(d["detail"]), str(t["title"])), str(d["o:errorCode"])
			}
		}
		msg := firstNonEmpty(str(t["detail"]), str(t["title"]), str(t["message"]), str(t["error_description"]))
		code = firstNonEmpty(str(t["o:errorCode"]), str(t["errorCode"]), str(t["code"]))
		if s, ok := t["error"].(string); ok && code == "" {
			code = s
		}
		return msg, code
	}
	return "", ""
}

func str(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
