package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	matrixpkg "github.com/foxseedlab/heyamori/internal/matrix"
	"github.com/google/uuid"
)

type createRoomRequest struct {
	Name                      string                 `json:"name,omitempty"`
	Topic                     string                 `json:"topic,omitempty"`
	RoomAliasName             string                 `json:"room_alias_name,omitempty"`
	Visibility                string                 `json:"visibility,omitempty"`
	Preset                    string                 `json:"preset,omitempty"`
	CreationContent           map[string]any         `json:"creation_content,omitempty"`
	InitialState              []matrixpkg.StateEvent `json:"initial_state,omitempty"`
	PowerLevelContentOverride map[string]any         `json:"power_level_content_override,omitempty"`
}

func (c *Client) CreateRoom(ctx context.Context, spec matrixpkg.CreateRoomSpec) (string, error) {
	req := createRoomRequest{
		Name:                      spec.Name,
		Topic:                     spec.Topic,
		RoomAliasName:             spec.Alias,
		Visibility:                spec.Visibility,
		Preset:                    "private_chat",
		CreationContent:           map[string]any{"m.federate": spec.Federate},
		InitialState:              spec.InitialState,
		PowerLevelContentOverride: spec.PowerLevelContentOverride,
	}
	if spec.Visibility == matrixpkg.VisibilityPublic {
		req.Preset = "public_chat"
	}
	if spec.Space {
		req.CreationContent["type"] = "m.space"
	}
	if spec.Predecessor != nil {
		req.CreationContent["predecessor"] = map[string]any{
			"room_id":  spec.Predecessor.RoomID,
			"event_id": spec.Predecessor.EventID,
		}
	}
	if spec.Encrypted && !hasStateEvent(spec.InitialState, matrixpkg.EventTypeEncryption) {
		req.InitialState = append(req.InitialState, matrixpkg.StateEvent{
			Type:    matrixpkg.EventTypeEncryption,
			Content: map[string]any{"algorithm": "m.megolm.v1.aes-sha2"},
		})
	}

	body, err := c.doRequest(ctx, "create room", http.MethodPost, clientAPIPrefix+"/createRoom", req, nil)
	if err != nil {
		return "", err
	}
	var resp struct {
		RoomID string `json:"room_id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to parse create room response: %w", err)
	}
	return resp.RoomID, nil
}

func hasStateEvent(events []matrixpkg.StateEvent, eventType string) bool {
	for _, ev := range events {
		if ev.Type == eventType {
			return true
		}
	}
	return false
}

func (c *Client) ResolveAlias(ctx context.Context, alias string) (string, error) {
	body, err := c.doRequest(ctx, "resolve alias", http.MethodGet, clientAPIPrefix+"/directory/room/"+url.PathEscape(alias), nil, nil)
	if err != nil {
		return "", err
	}
	var resp struct {
		RoomID string `json:"room_id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to parse alias response: %w", err)
	}
	return resp.RoomID, nil
}

func (c *Client) GetState(ctx context.Context, roomID, eventType string) (json.RawMessage, error) {
	body, err := c.doRequest(ctx, "get state "+eventType, http.MethodGet, roomPath(roomID, "state", eventType, ""), nil, nil)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

func (c *Client) SetState(ctx context.Context, roomID, eventType string, content any) error {
	_, err := c.doRequest(ctx, "set state "+eventType, http.MethodPut, roomPath(roomID, "state", eventType, ""), content, nil)
	return err
}

func (c *Client) GetMembers(ctx context.Context, roomID string) ([]matrixpkg.Member, error) {
	body, err := c.doRequest(ctx, "get members", http.MethodGet, roomPath(roomID, "members"), nil, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Chunk []struct {
			StateKey string `json:"state_key"`
			Content  struct {
				Membership string `json:"membership"`
			} `json:"content"`
		} `json:"chunk"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse members response: %w", err)
	}
	members := make([]matrixpkg.Member, 0, len(resp.Chunk))
	for _, ev := range resp.Chunk {
		members = append(members, matrixpkg.Member{UserID: ev.StateKey, Membership: ev.Content.Membership})
	}
	return members, nil
}

func (c *Client) Invite(ctx context.Context, roomID, userID string) error {
	_, err := c.doRequest(ctx, "invite", http.MethodPost, roomPath(roomID, "invite"), map[string]string{"user_id": userID}, nil)
	return err
}

// ForceJoin uses the Synapse admin API to join a local user to a room the
// bot is in. It is unavailable unless the bot is a Synapse admin.
func (c *Client) ForceJoin(ctx context.Context, roomID, userID string) error {
	if !c.isSynapseAdmin {
		return &matrixpkg.GatewayError{Kind: matrixpkg.KindUnavailable, Op: "force join", Err: fmt.Errorf("bot is not a synapse admin")}
	}
	_, err := c.doRequest(ctx, "force join", http.MethodPost, synapseAdminPath+"/join/"+url.PathEscape(roomID), map[string]string{"user_id": userID}, nil)
	return err
}

func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	_, err := c.doRequest(ctx, "join", http.MethodPost, clientAPIPrefix+"/join/"+url.PathEscape(roomID), map[string]any{}, nil)
	return err
}

func (c *Client) LeaveRoom(ctx context.Context, roomID string) error {
	_, err := c.doRequest(ctx, "leave", http.MethodPost, roomPath(roomID, "leave"), map[string]any{}, nil)
	return err
}

// SendMessage posts a markdown message with its HTML rendering as
// formatted_body. Notices are sent as m.notice so other bots ignore them.
func (c *Client) SendMessage(ctx context.Context, roomID string, msg matrixpkg.Message) (string, error) {
	msgtype := "m.text"
	if msg.Notice {
		msgtype = "m.notice"
	}
	content := map[string]any{"msgtype": msgtype, "body": msg.Body}
	if html, ok := c.renderMarkdown(msg.Body); ok {
		content["format"] = formatHTML
		content["formatted_body"] = html
	}
	txnID := uuid.NewString()
	body, err := c.doRequest(ctx, "send message", http.MethodPut, roomPath(roomID, "send", "m.room.message", txnID), content, nil)
	if err != nil {
		return "", err
	}
	var resp struct {
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to parse send response: %w", err)
	}
	return resp.EventID, nil
}

func (c *Client) PutAlias(ctx context.Context, alias, roomID string) error {
	_, err := c.doRequest(ctx, "put alias", http.MethodPut, clientAPIPrefix+"/directory/room/"+url.PathEscape(alias), map[string]string{"room_id": roomID}, nil)
	return err
}

func (c *Client) DeleteAlias(ctx context.Context, alias string) error {
	_, err := c.doRequest(ctx, "delete alias", http.MethodDelete, clientAPIPrefix+"/directory/room/"+url.PathEscape(alias), nil, nil)
	return err
}

func (c *Client) GetDirectoryVisibility(ctx context.Context, roomID string) (string, error) {
	body, err := c.doRequest(ctx, "get directory visibility", http.MethodGet, clientAPIPrefix+"/directory/list/room/"+url.PathEscape(roomID), nil, nil)
	if err != nil {
		return "", err
	}
	var resp struct {
		Visibility string `json:"visibility"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to parse directory visibility response: %w", err)
	}
	return resp.Visibility, nil
}

func (c *Client) SetDirectoryVisibility(ctx context.Context, roomID, visibility string) error {
	_, err := c.doRequest(ctx, "set directory visibility", http.MethodPut, clientAPIPrefix+"/directory/list/room/"+url.PathEscape(roomID), map[string]string{"visibility": visibility}, nil)
	return err
}
