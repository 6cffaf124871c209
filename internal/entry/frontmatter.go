package entry

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/frontmatter"
)

// Reserved frontmatter keys. Everything else round-trips as meta.
var reservedKeys = map[string]bool{
	"id":           true,
	"title":        true,
	"tags":         true,
	"source":       true,
	"created":      true,
	"identity_key": true,
	"expires_at":   true,
	"encrypted":    true,
	"iv":           true,
	"title_ct":     true,
	"meta_ct":      true,
}

// Serialize renders an entry to its canonical on-disk form: a YAML
// frontmatter block followed by the kind-templated body. Parse is the
// exact inverse over the entry's stored fields.
func Serialize(e *Entry) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString("---\n")
	writeKV(&b, "id", e.ID)
	if e.Sealed == nil && e.Title != "" {
		writeKV(&b, "title", e.Title)
	}
	if len(e.Tags) > 0 {
		data, _ := json.Marshal(e.Tags)
		fmt.Fprintf(&b, "tags: %s\n", data)
	}
	if e.Source != "" {
		writeKV(&b, "source", e.Source)
	}
	writeKV(&b, "created", e.CreatedAt.UTC().Format(time.RFC3339))
	if e.IdentityKey != "" {
		writeKV(&b, "identity_key", e.IdentityKey)
	}
	if e.ExpiresAt != nil {
		writeKV(&b, "expires_at", e.ExpiresAt.UTC().Format(time.RFC3339))
	}

	if e.Sealed != nil {
		b.WriteString("encrypted: true\n")
		writeKV(&b, "iv", base64.StdEncoding.EncodeToString(e.Sealed.IV))
		writeKV(&b, "title_ct", base64.StdEncoding.EncodeToString(e.Sealed.Title))
		writeKV(&b, "meta_ct", base64.StdEncoding.EncodeToString(e.Sealed.Meta))
	} else {
		keys := make([]string, 0, len(e.Meta))
		for k := range e.Meta {
			if !reservedKeys[k] {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %s\n", k, encodeValue(e.Meta[k]))
		}
	}
	b.WriteString("---\n")

	if e.Sealed != nil {
		b.WriteString(base64.StdEncoding.EncodeToString(e.Sealed.Body))
		b.WriteString("\n")
		return b.Bytes(), nil
	}

	body := RenderBody(e.Kind, e.Title, e.Body, e.Meta)
	b.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		b.WriteString("\n")
	}
	return b.Bytes(), nil
}

func writeKV(b *bytes.Buffer, key, value string) {
	fmt.Fprintf(b, "%s: %s\n", key, encodeValue(value))
}

// plainYAML matches strings safe to emit unquoted.
var plainYAML = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 ._/@+()-]*$`)

// encodeValue renders a frontmatter value. Strings containing
// YAML-significant characters are JSON-quoted (JSON is a YAML subset, so
// they read back unchanged); arrays and maps are emitted as JSON.
func encodeValue(v any) string {
	switch t := v.(type) {
	case string:
		if plainYAML.MatchString(t) && !looksTyped(t) && !strings.HasSuffix(t, " ") {
			return t
		}
		data, _ := json.Marshal(t)
		return string(data)
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return `""`
		}
		return string(data)
	}
}

// looksTyped reports whether a bare string would be parsed by YAML as a
// bool, null, or number and therefore needs quoting.
func looksTyped(s string) bool {
	switch strings.ToLower(s) {
	case "true", "false", "yes", "no", "on", "off", "null", "~":
		return true
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return true
	}
	return false
}

// Parse is the inverse of Serialize. The kind is supplied by the caller
// (derived from the file's location) since it is encoded in the path, not
// the frontmatter. Line endings are normalized to \n. Content without a
// frontmatter block parses as a bare body.
func Parse(content []byte, kind string) (*Entry, error) {
	content = bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))

	e := &Entry{Kind: kind, Category: CategoryFor(kind)}

	var fm map[string]any
	rest, err := frontmatter.Parse(bytes.NewReader(content), &fm)
	if err != nil {
		e.Body = strings.TrimRight(string(content), "\n")
		return e, nil
	}

	e.ID, _ = fm["id"].(string)
	e.Title, _ = fm["title"].(string)
	e.Source, _ = fm["source"].(string)
	e.IdentityKey, _ = fm["identity_key"].(string)
	e.Tags = stringSlice(fm["tags"])
	if s, ok := fm["created"].(string); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			e.CreatedAt = t.UTC()
		}
	}
	if s, ok := fm["expires_at"].(string); ok && s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			t = t.UTC()
			e.ExpiresAt = &t
		}
	}

	if enc, _ := fm["encrypted"].(bool); enc {
		env := &Envelope{}
		env.IV = b64Field(fm, "iv")
		env.Title = b64Field(fm, "title_ct")
		env.Meta = b64Field(fm, "meta_ct")
		bodyB64 := strings.TrimSpace(string(rest))
		if data, err := base64.StdEncoding.DecodeString(bodyB64); err == nil {
			env.Body = data
		}
		e.Sealed = env
		return e, nil
	}

	meta := make(map[string]any)
	for k, v := range fm {
		if !reservedKeys[k] {
			meta[k] = decodeValue(v)
		}
	}
	if len(meta) > 0 {
		e.Meta = meta
	}

	title, body := ParseBody(kind, strings.TrimRight(string(rest), "\n"), e.Title)
	if e.Title == "" {
		e.Title = title
	}
	e.Body = body
	return e, nil
}

func b64Field(fm map[string]any, key string) []byte {
	s, _ := fm[key].(string)
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil
	}
	return data
}

// decodeValue reverses encodeValue for values YAML hands back. The JSON
// arrays/objects encodeValue writes for structured meta come back either as
// YAML sequences/mappings or as strings holding JSON; both decode to []any
// and map[string]any.
func decodeValue(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = decodeValue(val)
		}
		return out
	case map[string]any:
		for k, val := range t {
			t[k] = decodeValue(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = decodeValue(val)
		}
		return t
	}
	s, ok := v.(string)
	if !ok {
		return v
	}
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "{") {
		var out any
		if err := json.Unmarshal([]byte(trimmed), &out); err == nil {
			return out
		}
	}
	return v
}

func stringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	default:
		return nil
	}
}
