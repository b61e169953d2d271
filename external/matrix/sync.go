package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	matrixpkg "github.com/foxseedlab/heyamori/internal/matrix"
)

const (
	eventTypeMessage  = "m.room.message"
	eventTypeReaction = "m.reaction"
	eventTypeMember   = "m.room.member"
	relAnnotation     = "m.annotation"
)

func (c *Client) RegisterMessageHandler(handler func(matrixpkg.MessageEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageHandlers = append(c.messageHandlers, handler)
}

func (c *Client) RegisterReactionHandler(handler func(matrixpkg.ReactionEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reactionHandlers = append(c.reactionHandlers, handler)
}

func (c *Client) RegisterInviteHandler(handler func(matrixpkg.InviteEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inviteHandlers = append(c.inviteHandlers, handler)
}

type syncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join map[string]struct {
			Timeline struct {
				Events []rawEvent `json:"events"`
			} `json:"timeline"`
		} `json:"join"`
		Invite map[string]struct {
			InviteState struct {
				Events []rawEvent `json:"events"`
			} `json:"invite_state"`
		} `json:"invite"`
	} `json:"rooms"`
}

type rawEvent struct {
	Type     string          `json:"type"`
	EventID  string          `json:"event_id"`
	Sender   string          `json:"sender"`
	StateKey *string         `json:"state_key"`
	Content  json.RawMessage `json:"content"`
}

type messageContent struct {
	MsgType   string `json:"msgtype"`
	Body      string `json:"body"`
	RelatesTo *struct {
		InReplyTo *struct {
			EventID string `json:"event_id"`
		} `json:"m.in_reply_to"`
	} `json:"m.relates_to"`
}

type reactionContent struct {
	RelatesTo struct {
		RelType string `json:"rel_type"`
		EventID string `json:"event_id"`
		Key     string `json:"key"`
	} `json:"m.relates_to"`
}

// Run long-polls /sync and dispatches events to the registered handlers
// until ctx is cancelled. The first sync only establishes the position so
// history from before startup is never handled. Each batch is dispatched
// in timeline order on the calling goroutine before the next sync starts.
func (c *Client) Run(ctx context.Context) error {
	since := ""
	for since == "" {
		resp, err := c.sync(ctx, "", 0)
		if err == nil {
			since = resp.NextBatch
			break
		}
		if ctx.Err() != nil {
			return nil
		}
		if matrixpkg.KindOf(err) == matrixpkg.KindPermission {
			return fmt.Errorf("initial sync rejected: %w", err)
		}
		slog.Warn("initial sync failed, retrying", "error", err)
		if !c.sleep(ctx, c.syncBackoff) {
			return nil
		}
	}
	slog.Info("matrix sync started", "user_id", c.userID)

	for {
		resp, err := c.sync(ctx, since, c.syncTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if matrixpkg.KindOf(err) == matrixpkg.KindPermission {
				return fmt.Errorf("sync rejected: %w", err)
			}
			wait := c.syncBackoff
			var gwErr *matrixpkg.GatewayError
			if errors.As(err, &gwErr) && gwErr.RetryAfter > wait {
				wait = gwErr.RetryAfter
			}
			slog.Warn("sync failed, retrying", "error", err, "backoff", wait)
			if !c.sleep(ctx, wait) {
				return nil
			}
			continue
		}
		since = resp.NextBatch
		c.dispatch(resp)
	}
}

func (c *Client) sync(ctx context.Context, since string, timeout time.Duration) (*syncResponse, error) {
	query := url.Values{}
	query.Set("timeout", strconv.FormatInt(timeout.Milliseconds(), 10))
	if since != "" {
		query.Set("since", since)
	}
	body, err := c.doRequest(ctx, "sync", http.MethodGet, clientAPIPrefix+"/sync", nil, query)
	if err != nil {
		return nil, err
	}
	var resp syncResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &matrixpkg.GatewayError{Kind: matrixpkg.KindTransient, Op: "sync", Err: fmt.Errorf("failed to parse sync response: %w", err)}
	}
	return &resp, nil
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Client) dispatch(resp *syncResponse) {
	c.mu.RLock()
	messageHandlers := c.messageHandlers
	reactionHandlers := c.reactionHandlers
	inviteHandlers := c.inviteHandlers
	c.mu.RUnlock()

	for roomID, room := range resp.Rooms.Join {
		for _, ev := range room.Timeline.Events {
			if ev.Sender == c.userID {
				continue
			}
			switch ev.Type {
			case eventTypeMessage:
				msg, ok := parseMessage(roomID, ev)
				if !ok {
					continue
				}
				for _, h := range messageHandlers {
					h(msg)
				}
			case eventTypeReaction:
				reaction, ok := parseReaction(roomID, ev)
				if !ok {
					continue
				}
				for _, h := range reactionHandlers {
					h(reaction)
				}
			}
		}
	}

	for roomID, room := range resp.Rooms.Invite {
		invite, ok := c.parseInvite(roomID, room.InviteState.Events)
		if !ok {
			continue
		}
		for _, h := range inviteHandlers {
			h(invite)
		}
	}
}

func parseMessage(roomID string, ev rawEvent) (matrixpkg.MessageEvent, bool) {
	var content messageContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		slog.Debug("skipping malformed message", "room_id", roomID, "event_id", ev.EventID, "error", err)
		return matrixpkg.MessageEvent{}, false
	}
	// Notices come from bots, including this one on other devices.
	if content.MsgType != "m.text" {
		return matrixpkg.MessageEvent{}, false
	}
	msg := matrixpkg.MessageEvent{
		RoomID:  roomID,
		EventID: ev.EventID,
		Sender:  ev.Sender,
		Body:    content.Body,
	}
	if content.RelatesTo != nil && content.RelatesTo.InReplyTo != nil {
		msg.InReplyTo = content.RelatesTo.InReplyTo.EventID
	}
	return msg, true
}

func parseReaction(roomID string, ev rawEvent) (matrixpkg.ReactionEvent, bool) {
	var content reactionContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		return matrixpkg.ReactionEvent{}, false
	}
	if content.RelatesTo.RelType != relAnnotation || content.RelatesTo.EventID == "" {
		return matrixpkg.ReactionEvent{}, false
	}
	return matrixpkg.ReactionEvent{
		RoomID:    roomID,
		EventID:   ev.EventID,
		Sender:    ev.Sender,
		Key:       content.RelatesTo.Key,
		RelatesTo: content.RelatesTo.EventID,
	}, true
}

func (c *Client) parseInvite(roomID string, events []rawEvent) (matrixpkg.InviteEvent, bool) {
	for _, ev := range events {
		if ev.Type != eventTypeMember || ev.StateKey == nil || *ev.StateKey != c.userID {
			continue
		}
		var content struct {
			Membership string `json:"membership"`
		}
		if err := json.Unmarshal(ev.Content, &content); err != nil {
			continue
		}
		if content.Membership == matrixpkg.MembershipInvite {
			return matrixpkg.InviteEvent{RoomID: roomID, Sender: ev.Sender}, true
		}
	}
	return matrixpkg.InviteEvent{}, false
}
