// Package translate converts client payloads into the request shape the
// Gemini backend expects.
//
// Two dialects are supported:
//
//   - structured: OpenAI-style {"messages": [...]} or {"prompt": "..."} bodies
//     are rewritten into a Gemini {"contents": [...]} tree and sent to
//     models/{model}:generateContent.
//   - passthrough: the body is forwarded untouched to Gemini's
//     OpenAI-compatible surface; only the credential changes.
package translate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Dialect selects how inbound requests are shaped for the backend.
type Dialect string

const (
	DialectStructured  Dialect = "structured"
	DialectPassthrough Dialect = "passthrough"
)

// Backend actions appended to the model resource name.
const (
	ActionGenerate = "generateContent"
	ActionStream   = "streamGenerateContent"
)

// ParseDialect maps a configuration string onto a Dialect.
func ParseDialect(s string) (Dialect, error) {
	switch Dialect(strings.ToLower(strings.TrimSpace(s))) {
	case DialectStructured, "":
		return DialectStructured, nil
	case DialectPassthrough, "openai", "pass-through":
		return DialectPassthrough, nil
	}
	return "", fmt.Errorf("translate: unknown dialect %q; must be one of: structured, passthrough", s)
}

// HealthFlag is the boolean field /health reports for the dialect.
func (d Dialect) HealthFlag() string {
	if d == DialectPassthrough {
		return "using_openai_endpoint"
	}
	return "using_gemini_endpoint"
}

// Inbound is the part of a client request the translators look at.
type Inbound struct {
	Method string
	Path   string
	Query  url.Values

	// RawQuery is the query string exactly as the client sent it.
	RawQuery string

	Header http.Header
	Body   []byte
}

// Outbound is the backend-native request derived from an Inbound. It is
// never modified after Translate returns.
type Outbound struct {
	Body []byte

	// Model and Action are empty for the passthrough dialect.
	Model  string
	Action string

	// Query holds parameters the dialect adds on top of the client query.
	Query url.Values

	Stream bool
}

// Error is returned when a client body cannot be translated. It always maps
// to HTTP 400.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus reports the status the gateway answers with.
func (e *Error) HTTPStatus() int { return http.StatusBadRequest }

// Translator builds the outbound payload for one dialect.
type Translator interface {
	Dialect() Dialect
	Translate(in *Inbound, defaultModel string) (*Outbound, error)
}

// New returns the Translator for d.
func New(d Dialect) Translator {
	if d == DialectPassthrough {
		return PassThrough{}
	}
	return Structured{}
}

// PassThrough forwards the client body byte for byte.
type PassThrough struct{}

func (PassThrough) Dialect() Dialect { return DialectPassthrough }

func (PassThrough) Translate(in *Inbound, _ string) (*Outbound, error) {
	return &Outbound{Body: in.Body}, nil
}

// Structured rewrites chat or prompt bodies into Gemini contents.
type Structured struct{}

func (Structured) Dialect() Dialect { return DialectStructured }

func (Structured) Translate(in *Inbound, defaultModel string) (*Outbound, error) {
	trimmed := bytes.TrimSpace(in.Body)
	if len(trimmed) == 0 {
		return nil, &Error{Reason: "No JSON data provided in the request"}
	}

	var body inboundBody
	if err := json.Unmarshal(trimmed, &body); err != nil {
		return nil, &Error{Reason: "Invalid request format", Err: err}
	}
	if isEmptyObject(trimmed) {
		return nil, &Error{Reason: "No JSON data provided in the request"}
	}

	model := resolveModel(body.Model, defaultModel)

	var contents []Content
	var err error
	if body.Messages != nil {
		contents, err = translateMessages(body.Messages)
	} else {
		contents, err = translatePrompt(body.Prompt)
	}
	if err != nil {
		return nil, err
	}

	genCfg, err := generationConfig(&body)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(GenerateContentRequest{
		Contents:         contents,
		GenerationConfig: genCfg,
	})
	if err != nil {
		return nil, &Error{Reason: "Invalid request format", Err: err}
	}

	out := &Outbound{
		Body:   payload,
		Model:  model,
		Action: ActionGenerate,
		Stream: body.Stream,
	}
	if body.Stream {
		out.Action = ActionStream
		out.Query = url.Values{"alt": []string{"sse"}}
	}
	return out, nil
}

// resolveModel prefers the client's explicit model and strips the "models/"
// resource prefix so both "gemini-2.0-flash" and "models/gemini-2.0-flash"
// work.
func resolveModel(explicit, fallback string) string {
	m := strings.TrimSpace(explicit)
	if m == "" {
		m = fallback
	}
	return strings.TrimPrefix(m, "models/")
}

func translateMessages(raw json.RawMessage) ([]Content, error) {
	var msgs []inboundMessage
	if err := json.Unmarshal(raw, &msgs); err != nil || msgs == nil {
		if err == nil {
			err = fmt.Errorf("'messages' must be an array")
		}
		return nil, &Error{Reason: "Invalid request format", Err: err}
	}

	contents := make([]Content, 0, len(msgs))
	for i, m := range msgs {
		role := "user"
		if m.Role != nil && *m.Role != "" {
			role = *m.Role
		}
		parts, err := messageParts(m.Content)
		if err != nil {
			return nil, &Error{Reason: "Invalid request format", Err: fmt.Errorf("messages[%d]: %w", i, err)}
		}
		contents = append(contents, Content{Role: role, Parts: parts})
	}
	return contents, nil
}

// messageParts accepts a string, null/absent, or an array of typed parts.
func messageParts(raw json.RawMessage) ([]Part, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []Part{{Text: ""}}, nil
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, err
		}
		return []Part{{Text: s}}, nil

	case '[':
		var items []inboundPart
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
		parts := make([]Part, 0, len(items))
		for _, it := range items {
			if it.Type != "" && it.Type != "text" {
				return nil, fmt.Errorf("unsupported content part type %q", it.Type)
			}
			parts = append(parts, Part{Text: it.Text})
		}
		if len(parts) == 0 {
			parts = append(parts, Part{Text: ""})
		}
		return parts, nil
	}

	return nil, fmt.Errorf("'content' must be a string or an array of parts")
}

func translatePrompt(raw json.RawMessage) ([]Content, error) {
	var prompt string
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &prompt); err != nil {
			return nil, &Error{Reason: "Invalid request format", Err: fmt.Errorf("'prompt' must be a string")}
		}
	}
	if prompt == "" {
		return nil, &Error{Reason: "No prompt provided in the request"}
	}
	return []Content{{Parts: []Part{{Text: prompt}}}}, nil
}

func generationConfig(b *inboundBody) (*GenerationConfig, error) {
	var stops []string
	if s := bytes.TrimSpace(b.Stop); len(s) > 0 && !bytes.Equal(s, []byte("null")) {
		if s[0] == '"' {
			var one string
			if err := json.Unmarshal(s, &one); err != nil {
				return nil, &Error{Reason: "Invalid request format", Err: err}
			}
			stops = []string{one}
		} else if err := json.Unmarshal(s, &stops); err != nil {
			return nil, &Error{Reason: "Invalid request format", Err: fmt.Errorf("'stop' must be a string or an array of strings")}
		}
	}

	if b.Temperature == nil && b.TopP == nil && b.MaxTokens == nil && len(stops) == 0 {
		return nil, nil
	}
	return &GenerationConfig{
		Temperature:     b.Temperature,
		TopP:            b.TopP,
		MaxOutputTokens: b.MaxTokens,
		StopSequences:   stops,
	}, nil
}

func isEmptyObject(b []byte) bool {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return false
	}
	return len(m) == 0
}
