package translate

import "encoding/json"

type (
	// Part is a single piece of a Gemini turn. Only text is produced by the
	// gateway; Text has no omitempty so that an empty message still yields
	// {"text":""}.
	Part struct {
		Text string `json:"text"`
	}

	// Content is one turn of a Gemini conversation.
	Content struct {
		Role  string `json:"role,omitempty"`
		Parts []Part `json:"parts"`
	}

	// GenerationConfig carries the sampling parameters understood by
	// generateContent.
	GenerationConfig struct {
		Temperature     *float64 `json:"temperature,omitempty"`
		TopP            *float64 `json:"topP,omitempty"`
		MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
		StopSequences   []string `json:"stopSequences,omitempty"`
	}

	// GenerateContentRequest is the body of
	// POST /{version}/models/{model}:generateContent.
	GenerateContentRequest struct {
		Contents         []Content         `json:"contents"`
		GenerationConfig *GenerationConfig `json:"generationConfig,omitempty"`
	}
)

type (
	// inboundMessage is one element of an OpenAI-style "messages" array.
	// Content stays raw because clients send either a string or an array of
	// typed parts.
	inboundMessage struct {
		Role    *string         `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	// inboundPart is one element of an array-valued message content.
	inboundPart struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}

	// inboundBody is the subset of the client payload the structured
	// translator reads. Pointer and raw fields distinguish "absent" from
	// "zero".
	inboundBody struct {
		Model       string          `json:"model"`
		Messages    json.RawMessage `json:"messages"`
		Prompt      json.RawMessage `json:"prompt"`
		Stream      bool            `json:"stream"`
		Temperature *float64        `json:"temperature"`
		TopP        *float64        `json:"top_p"`
		MaxTokens   *int            `json:"max_tokens"`
		Stop        json.RawMessage `json:"stop"`
	}
)
