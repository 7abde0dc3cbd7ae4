package translate

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
)

func structured(t *testing.T, body string) (*Outbound, error) {
	t.Helper()
	return Structured{}.Translate(&Inbound{Method: "POST", Path: "/", Body: []byte(body)}, "gemini-2.0-flash")
}

func decode(t *testing.T, out *Outbound) GenerateContentRequest {
	t.Helper()
	var req GenerateContentRequest
	if err := json.Unmarshal(out.Body, &req); err != nil {
		t.Fatalf("outbound body is not valid JSON: %v (%s)", err, out.Body)
	}
	return req
}

func TestStructured_PromptExactPayload(t *testing.T) {
	out, err := structured(t, `{"prompt": "hi"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := string(out.Body), `{"contents":[{"parts":[{"text":"hi"}]}]}`; got != want {
		t.Errorf("payload mismatch\n got: %s\nwant: %s", got, want)
	}
	if out.Model != "gemini-2.0-flash" {
		t.Errorf("expected default model, got %q", out.Model)
	}
	if out.Action != ActionGenerate {
		t.Errorf("expected %s, got %s", ActionGenerate, out.Action)
	}
	if out.Stream || out.Query != nil {
		t.Errorf("non-streaming request should not add query params: %+v", out)
	}
}

func TestStructured_MessagesPreserveOrderAndRoles(t *testing.T) {
	out, err := structured(t, `{"messages":[
		{"role":"system","content":"be terse"},
		{"role":"user","content":"hello"},
		{"role":"model","content":"hi there"},
		{"role":"user","content":"bye"}
	]}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req := decode(t, out)
	want := []struct{ role, text string }{
		{"system", "be terse"},
		{"user", "hello"},
		{"model", "hi there"},
		{"user", "bye"},
	}
	if len(req.Contents) != len(want) {
		t.Fatalf("expected %d turns, got %d", len(want), len(req.Contents))
	}
	for i, w := range want {
		c := req.Contents[i]
		if c.Role != w.role || len(c.Parts) != 1 || c.Parts[0].Text != w.text {
			t.Errorf("turn %d: got %+v, want role=%s text=%s", i, c, w.role, w.text)
		}
	}
}

func TestStructured_MessageDefaults(t *testing.T) {
	out, err := structured(t, `{"messages":[{"content":"no role"},{"role":"user"},{"role":"","content":null}]}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(out.Body), `{"role":"user","parts":[{"text":""}]}`) {
		t.Errorf("missing content should become empty text: %s", out.Body)
	}
	req := decode(t, out)
	for i, c := range req.Contents {
		if c.Role != "user" {
			t.Errorf("turn %d: expected default role user, got %q", i, c.Role)
		}
	}
	if req.Contents[0].Parts[0].Text != "no role" {
		t.Errorf("unexpected text %q", req.Contents[0].Parts[0].Text)
	}
}

func TestStructured_EmptyMessagesList(t *testing.T) {
	out, err := structured(t, `{"messages":[]}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := string(out.Body); got != `{"contents":[]}` {
		t.Errorf("unexpected payload %s", got)
	}
}

func TestStructured_ArrayContentParts(t *testing.T) {
	out, err := structured(t, `{"messages":[{"role":"user","content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}]}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req := decode(t, out)
	if len(req.Contents) != 1 || len(req.Contents[0].Parts) != 2 {
		t.Fatalf("unexpected contents %+v", req.Contents)
	}
	if req.Contents[0].Parts[0].Text != "a" || req.Contents[0].Parts[1].Text != "b" {
		t.Errorf("parts out of order: %+v", req.Contents[0].Parts)
	}
}

func TestStructured_ModelOverride(t *testing.T) {
	cases := map[string]string{
		`{"prompt":"x","model":"gemini-1.5-pro"}`:        "gemini-1.5-pro",
		`{"prompt":"x","model":"models/gemini-1.5-pro"}`: "gemini-1.5-pro",
		`{"prompt":"x","model":""}`:                      "gemini-2.0-flash",
	}
	for body, want := range cases {
		out, err := structured(t, body)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", body, err)
		}
		if out.Model != want {
			t.Errorf("%s: expected model %q, got %q", body, want, out.Model)
		}
	}
}

func TestStructured_Stream(t *testing.T) {
	out, err := structured(t, `{"prompt":"hi","stream":true}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Action != ActionStream || !out.Stream {
		t.Errorf("expected streaming action, got %+v", out)
	}
	if out.Query.Get("alt") != "sse" {
		t.Errorf("expected alt=sse, got %v", out.Query)
	}
}

func TestStructured_GenerationConfig(t *testing.T) {
	out, err := structured(t, `{"prompt":"hi","temperature":0.2,"max_tokens":64,"top_p":0.9,"stop":"END"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req := decode(t, out)
	gc := req.GenerationConfig
	if gc == nil {
		t.Fatal("expected generationConfig")
	}
	if gc.Temperature == nil || *gc.Temperature != 0.2 {
		t.Errorf("temperature not mapped: %+v", gc)
	}
	if gc.MaxOutputTokens == nil || *gc.MaxOutputTokens != 64 {
		t.Errorf("max_tokens not mapped: %+v", gc)
	}
	if gc.TopP == nil || *gc.TopP != 0.9 {
		t.Errorf("top_p not mapped: %+v", gc)
	}
	if len(gc.StopSequences) != 1 || gc.StopSequences[0] != "END" {
		t.Errorf("stop not mapped: %+v", gc.StopSequences)
	}
}

func TestStructured_Errors(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		reason string
	}{
		{"empty body", "", "No JSON data provided in the request"},
		{"whitespace body", "  \n", "No JSON data provided in the request"},
		{"empty object", "{}", "No JSON data provided in the request"},
		{"null", "null", "No JSON data provided in the request"},
		{"neither field", `{"model":"gemini-pro"}`, "No prompt provided in the request"},
		{"empty prompt", `{"prompt":""}`, "No prompt provided in the request"},
		{"malformed", `{"prompt":`, "Invalid request format"},
		{"messages not array", `{"messages":"hi"}`, "Invalid request format"},
		{"messages null", `{"messages":null}`, "Invalid request format"},
		{"prompt not string", `{"prompt":42}`, "Invalid request format"},
		{"image part", `{"messages":[{"content":[{"type":"image_url"}]}]}`, "Invalid request format"},
		{"bad stop", `{"prompt":"x","stop":7}`, "Invalid request format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := structured(t, tc.body)
			var te *Error
			if !errors.As(err, &te) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if te.Reason != tc.reason {
				t.Errorf("expected reason %q, got %q", tc.reason, te.Reason)
			}
			if te.HTTPStatus() != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", te.HTTPStatus())
			}
		})
	}
}

func TestPassThrough_ForwardsBytes(t *testing.T) {
	body := []byte(`{"model":"gemini-2.0-flash","messages":[{"role":"user","content":"hi"}],"x":  1}`)
	out, err := PassThrough{}.Translate(&Inbound{Body: body}, "ignored")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out.Body) != string(body) {
		t.Errorf("body was modified: %s", out.Body)
	}
	if out.Model != "" || out.Action != "" {
		t.Errorf("passthrough must not resolve a model: %+v", out)
	}
}

func TestPassThrough_AcceptsNonJSON(t *testing.T) {
	out, err := PassThrough{}.Translate(&Inbound{Body: []byte("not json")}, "")
	if err != nil || string(out.Body) != "not json" {
		t.Errorf("unexpected result %v, %v", out, err)
	}
}

func TestParseDialect(t *testing.T) {
	cases := map[string]Dialect{
		"":            DialectStructured,
		"structured":  DialectStructured,
		"Passthrough": DialectPassthrough,
		"openai":      DialectPassthrough,
	}
	for in, want := range cases {
		got, err := ParseDialect(in)
		if err != nil || got != want {
			t.Errorf("ParseDialect(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseDialect("grpc"); err == nil {
		t.Error("expected error for unknown dialect")
	}
}

func TestNew_SelectsVariant(t *testing.T) {
	if New(DialectPassthrough).Dialect() != DialectPassthrough {
		t.Error("expected passthrough translator")
	}
	if New(DialectStructured).Dialect() != DialectStructured {
		t.Error("expected structured translator")
	}
	if DialectStructured.HealthFlag() != "using_gemini_endpoint" ||
		DialectPassthrough.HealthFlag() != "using_openai_endpoint" {
		t.Error("unexpected health flags")
	}
}
