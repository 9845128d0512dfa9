package backend

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/defcomm/secure-sync/internal/model"
)

type wireMessage struct {
	ID           model.WireID   `json:"id"`
	UserID       model.WireID   `json:"user_id"`
	ReceiverID   model.WireID   `json:"receiver_id"`
	Message      string         `json:"message"`
	CreatedAt    string         `json:"created_at"`
	IsMyChat     string         `json:"is_my_chat"`
	CallState    string         `json:"call_state"`
	CallDuration *model.WireInt `json:"call_duration"`
}

type wireContact struct {
	ID          model.WireID  `json:"id"`
	Name        string        `json:"name"`
	LastMessage *wireMessage  `json:"last_message"`
	UnreadCount model.WireInt `json:"unread_count"`
}

type wireGroup struct {
	ID   model.WireID `json:"id"`
	Name string       `json:"name"`
}

func (w wireMessage) toModel() (model.Message, error) {
	createdAt, err := model.ParseTimestamp(w.CreatedAt)
	if err != nil {
		return model.Message{}, err
	}
	msg := model.Message{
		ID:         string(w.ID),
		SenderID:   string(w.UserID),
		ReceiverID: string(w.ReceiverID),
		Body:       w.Message,
		CreatedAt:  createdAt,
		Mine:       w.IsMyChat == "yes",
	}
	if state := model.CallState(w.CallState); state.Valid() {
		msg.CallState = &state
		d := 0
		if w.CallDuration != nil {
			d = int(*w.CallDuration)
		}
		msg.CallDuration = &d
	}
	return msg, nil
}

// Contacts fetches the conversation list.
func (c *Client) Contacts(ctx context.Context) ([]model.Contact, error) {
	env, err := c.do(ctx, http.MethodGet, "/user/chat/contacts", nil, true)
	if err != nil {
		return nil, err
	}
	var wire []wireContact
	if err := decodeData(env, &wire); err != nil {
		return nil, err
	}

	contacts := make([]model.Contact, 0, len(wire))
	for _, w := range wire {
		contact := model.Contact{ID: string(w.ID), Name: w.Name, UnreadCount: int(w.UnreadCount)}
		if w.LastMessage != nil {
			if last, err := w.LastMessage.toModel(); err == nil {
				contact.LastMessage = &last
			}
		}
		contacts = append(contacts, contact)
	}
	return contacts, nil
}

// DirectHistory fetches the direct thread with peerID.
func (c *Client) DirectHistory(ctx context.Context, peerID string) ([]model.Message, error) {
	return c.history(ctx, "/user/chat/"+escape(peerID)+"/messages")
}

// GroupHistory fetches the thread of groupID.
func (c *Client) GroupHistory(ctx context.Context, groupID string) ([]model.Message, error) {
	return c.history(ctx, "/user/group/"+escape(groupID)+"/messages")
}

// History fetches the thread identified by key.
func (c *Client) History(ctx context.Context, key model.ConversationKey) ([]model.Message, error) {
	if key.Kind == model.KindGroup {
		return c.GroupHistory(ctx, key.PeerID)
	}
	return c.DirectHistory(ctx, key.PeerID)
}

func (c *Client) history(ctx context.Context, path string) ([]model.Message, error) {
	env, err := c.do(ctx, http.MethodGet, path, nil, true)
	if err != nil {
		return nil, err
	}
	var wire []wireMessage
	if err := decodeData(env, &wire); err != nil {
		return nil, err
	}

	msgs := make([]model.Message, 0, len(wire))
	for _, w := range wire {
		msg, err := w.toModel()
		if err != nil {
			c.logger.Warn("skipping history message", zap.String("id", string(w.ID)), zap.Error(err))
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Groups fetches the group roster of the current user.
func (c *Client) Groups(ctx context.Context) ([]model.Group, error) {
	env, err := c.do(ctx, http.MethodGet, "/user/groups", nil, true)
	if err != nil {
		return nil, err
	}
	var wire []wireGroup
	if err := decodeData(env, &wire); err != nil {
		return nil, err
	}
	groups := make([]model.Group, 0, len(wire))
	for _, w := range wire {
		if w.ID == "" {
			continue
		}
		groups = append(groups, model.Group{ID: string(w.ID), Name: w.Name})
	}
	return groups, nil
}

// Logout revokes the current token and forgets it locally.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/auth/logout", nil, true)
	c.SetToken("")
	return err
}
