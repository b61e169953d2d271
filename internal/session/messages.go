package session

import (
	"fmt"
	"strings"

	"github.com/foxseedlab/heyamori/internal/matrix"
	"github.com/foxseedlab/heyamori/internal/repository"
)

const (
	messageRecreateCancelled = "❎ **Room recreate cancelled.**"
	messageRecreateTimedOut  = "⌛ **Room recreate cancelled:** no confirmation was given in time. Please request recreation again."
	messageRecreateStarted   = "🏗️ **Recreating the room.** This can take a while for large rooms."
	messageRecreateDiscarded = "❎ **Room recreate cancelled** by an operator."

	messageOldRoomReplacedFormat = "#### This room has been replaced\n\nTo continue discussion in the new room, click this link: %s"
	messageNewRoomReplacesFormat = "#### This room replaces the old '%s' room %s.\n\nShould you need to view the old room, click this link: %s"
)

func recreatePrompt(name, prefix, oldPrefix string, timeoutSeconds int) string {
	if name == "" {
		name = "this room"
	}
	return fmt.Sprintf("⚠️ **Recreate %s?**\n\n"+
		"A new room will be created with the same name, topic and avatar, and every current member will be invited to it. "+
		"This room will be renamed with the prefix '%s' and its alias moved to the new room. This cannot be undone.\n\n"+
		"React with 👍 or send `%s rooms recreate confirm` within %d seconds to continue. "+
		"React with 👎 or send `%s rooms recreate cancel` to cancel.",
		name, oldPrefix, prefix, timeoutSeconds, prefix)
}

func oldRoomReplacedMessage(newRoomID, serverName string) string {
	return fmt.Sprintf(messageOldRoomReplacedFormat, matrix.RoomLink(newRoomID, serverName))
}

func newRoomReplacesMessage(name, oldRoomID, serverName string) string {
	return fmt.Sprintf(messageNewRoomReplacesFormat, name, oldRoomID, matrix.RoomLink(oldRoomID, serverName))
}

// Format renders the outcome for chat: which steps ran, which failed and
// with what error kind.
func (r Report) Format(state repository.RecreateState, newRoomID, serverName string) string {
	var b strings.Builder
	switch {
	case state == repository.RecreateStateCompleted && !r.HasFailures():
		b.WriteString("✅ **Room recreated.**")
	case state == repository.RecreateStateCompleted:
		b.WriteString("⚠️ **Room recreated with problems.**")
	default:
		b.WriteString("❌ **Room recreate failed.**")
	}
	if newRoomID != "" {
		fmt.Fprintf(&b, " New room: %s", matrix.RoomLink(newRoomID, serverName))
	}
	b.WriteString("\n\n")
	for _, s := range r.Steps {
		if s.OK {
			fmt.Fprintf(&b, "* %s: ok\n", s.Step)
			continue
		}
		fmt.Fprintf(&b, "* %s: failed (%s)", s.Step, s.Kind)
		if s.Detail != "" {
			fmt.Fprintf(&b, " %s", s.Detail)
		}
		b.WriteString("\n")
	}
	if len(r.FailedMembers) > 0 {
		fmt.Fprintf(&b, "\nCould not bring %d members to the new room:\n", len(r.FailedMembers))
		for _, f := range r.FailedMembers {
			fmt.Fprintf(&b, "* %s (%s)\n", f.UserID, f.Kind)
		}
	}
	return b.String()
}
