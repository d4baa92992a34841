package telephony

import (
	"encoding/json"
	"errors"
	"strings"
)

// NCCO (Nexmo Call Control Object) primitives. Only the actions the adapter
// needs; no vendor SDK dependency.
//
// An NCCO is a JSON array of actions executed in order by the vendor. When the
// array is exhausted the vendor ends the call.

type NCCO []any

type nccoTalk struct {
	Action   string `json:"action"` // "talk"
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
	Style    int    `json:"style,omitempty"`
	BargeIn  bool   `json:"bargeIn,omitempty"`
}

type nccoInput struct {
	Action string          `json:"action"` // "input"
	Type   []string        `json:"type"`
	Speech *nccoSpeechOpts `json:"speech,omitempty"`
}

type nccoSpeechOpts struct {
	Language     string  `json:"language,omitempty"`
	EndOnSilence float64 `json:"endOnSilence,omitempty"`
	MaxDuration  int     `json:"maxDuration,omitempty"`
}

type nccoConversation struct {
	Action string `json:"action"` // "conversation"
	Name   string `json:"name"`
}

// AnswerNCCO builds the instruction body returned to an answer-URL fetch.
//
// Conversation mode parks the call on a speech-input loop so the line stays
// open while the manager drives it over REST. Notify mode speaks the message
// and lets the vendor hang up when the action list runs out.
func AnswerNCCO(mode string, initialMessage, language string) ([]byte, error) {
	var n NCCO

	switch mode {
	case "notify":
		if strings.TrimSpace(initialMessage) == "" {
			return nil, errors.New("telephony: notify NCCO requires a message")
		}
		n = NCCO{nccoTalk{Action: "talk", Text: initialMessage, Language: language}}
	case "conversation", "":
		n = NCCO{nccoInput{
			Action: "input",
			Type:   []string{"speech"},
			Speech: &nccoSpeechOpts{Language: language, EndOnSilence: 1.5, MaxDuration: 60},
		}}
	default:
		return nil, errors.New("telephony: unknown call mode " + mode)
	}

	return json.Marshal(n)
}

// ListenNCCO is the action list pushed onto a live call to (re)start speech
// capture.
func ListenNCCO(language string) NCCO {
	return NCCO{nccoInput{
		Action: "input",
		Type:   []string{"speech"},
		Speech: &nccoSpeechOpts{Language: language, EndOnSilence: 1.5, MaxDuration: 60},
	}}
}
