package model

// EventKind classifies a decoded push event.
type EventKind string

const (
	EventChatMessage  EventKind = "chat_message"
	EventTyping       EventKind = "typing"
	EventCallUpdate   EventKind = "call_update"
	EventGroupMessage EventKind = "group_message"
	EventIgnored      EventKind = "ignored"
)

// Event is the closed set of push events. Only the types in this file
// implement it.
type Event interface {
	Kind() EventKind
	isEvent()
}

// ChatMessageEvent is a direct message delivered on the user channel.
type ChatMessageEvent struct {
	Message Message
}

// GroupMessageEvent is a message delivered on a group channel.
type GroupMessageEvent struct {
	GroupID string
	Message Message
}

// TypingEvent reports a sender starting or stopping typing.
type TypingEvent struct {
	SenderID string
	Typing   bool
}

// CallUpdateEvent carries a call status change for a call message.
type CallUpdateEvent struct {
	MessageID  string
	SenderID   string
	ReceiverID string
	State      CallState
	Duration   int
	MeetingID  string
}

// IgnoredEvent is a payload that could not be classified.
type IgnoredEvent struct {
	Reason string
}

func (ChatMessageEvent) Kind() EventKind  { return EventChatMessage }
func (GroupMessageEvent) Kind() EventKind { return EventGroupMessage }
func (TypingEvent) Kind() EventKind       { return EventTyping }
func (CallUpdateEvent) Kind() EventKind   { return EventCallUpdate }
func (IgnoredEvent) Kind() EventKind      { return EventIgnored }

func (ChatMessageEvent) isEvent()  {}
func (GroupMessageEvent) isEvent() {}
func (TypingEvent) isEvent()       {}
func (CallUpdateEvent) isEvent()   {}
func (IgnoredEvent) isEvent()      {}
