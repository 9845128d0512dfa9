package mux

import (
	"encoding/json"

	"github.com/defcomm/secure-sync/internal/model"
)

// Discriminant values of the push payload "state" field.
const (
	stateTyping     = "is_typing"
	stateNotTyping  = "not_typing"
	stateCallUpdate = "callUpdate"
)

// Reasons attached to IgnoredEvent.
const (
	reasonMalformed      = "malformed_json"
	reasonUnknownState   = "unknown_state"
	reasonMissingSender  = "missing_sender"
	reasonMissingMessage = "missing_message"
	reasonBadCall        = "bad_call_update"
	reasonBadTimestamp   = "bad_timestamp"
)

type wireRef struct {
	ID model.WireID `json:"id"`
}

type wireMessage struct {
	ID         model.WireID    `json:"id"`
	UserID     model.WireID    `json:"user_id"`
	ReceiverID model.WireID    `json:"receiver_id"`
	CreatedAt  string          `json:"created_at"`
	Message    json.RawMessage `json:"message"`
}

type wireCall struct {
	CallState    string        `json:"call_state"`
	CallDuration model.WireInt `json:"call_duration"`
	ReceiverID   model.WireID  `json:"receiver_id"`
	MeetingID    string        `json:"meeting_id"`
}

type wireEvent struct {
	State    *string         `json:"state"`
	SenderID model.WireID    `json:"sender_id"`
	Data     *wireMessage    `json:"data"`
	Message  json.RawMessage `json:"message"`
	Mss      *wireRef        `json:"mss"`
	Call     *wireCall       `json:"call"`
	Sender   *wireRef        `json:"sender"`
}

// Decode classifies a raw push payload received on channel. It never fails:
// anything unrecognized decodes to model.IgnoredEvent.
func Decode(channel Channel, payload []byte) model.Event {
	var w wireEvent
	if err := json.Unmarshal(payload, &w); err != nil {
		return model.IgnoredEvent{Reason: reasonMalformed}
	}

	if w.State != nil {
		switch *w.State {
		case stateTyping, stateNotTyping:
			if w.SenderID == "" {
				return model.IgnoredEvent{Reason: reasonMissingSender}
			}
			return model.TypingEvent{SenderID: string(w.SenderID), Typing: *w.State == stateTyping}
		case stateCallUpdate:
			return decodeCallUpdate(w)
		case "":
			// an empty discriminant is treated like an absent one
		default:
			return model.IgnoredEvent{Reason: reasonUnknownState}
		}
	}

	return decodeMessage(channel, w)
}

func decodeCallUpdate(w wireEvent) model.Event {
	if w.Mss == nil || w.Mss.ID == "" || w.Call == nil || w.Sender == nil || w.Sender.ID == "" {
		return model.IgnoredEvent{Reason: reasonBadCall}
	}
	state := model.CallState(w.Call.CallState)
	if !state.Valid() {
		return model.IgnoredEvent{Reason: reasonBadCall}
	}
	return model.CallUpdateEvent{
		MessageID:  string(w.Mss.ID),
		SenderID:   string(w.Sender.ID),
		ReceiverID: string(w.Call.ReceiverID),
		State:      state,
		Duration:   int(w.Call.CallDuration),
		MeetingID:  w.Call.MeetingID,
	}
}

func decodeMessage(channel Channel, w wireEvent) model.Event {
	if w.Data == nil || w.Data.ID == "" || w.Data.UserID == "" {
		return model.IgnoredEvent{Reason: reasonMissingMessage}
	}
	createdAt, err := model.ParseTimestamp(w.Data.CreatedAt)
	if err != nil {
		return model.IgnoredEvent{Reason: reasonBadTimestamp}
	}

	body, ok := rawString(w.Message)
	if !ok {
		body, _ = rawString(w.Data.Message)
	}
	msg := model.Message{
		ID:         string(w.Data.ID),
		SenderID:   string(w.Data.UserID),
		ReceiverID: string(w.Data.ReceiverID),
		Body:       body,
		CreatedAt:  createdAt,
	}

	if channel.Kind == ChannelGroup {
		return model.GroupMessageEvent{GroupID: channel.ID, Message: msg}
	}
	return model.ChatMessageEvent{Message: msg}
}

func rawString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
