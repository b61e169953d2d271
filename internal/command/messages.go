package command

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/foxseedlab/heyamori/internal/convergence"
	"github.com/foxseedlab/heyamori/internal/matrix"
	"github.com/foxseedlab/heyamori/internal/repository"
)

const (
	messageUnknownCommand        = "Unknown command `%s`. Send `%s help` for the list of commands."
	messageCoordinatorsOnly      = "Only coordinators and admins can use this command."
	messageAdminsOnly            = "Only admins can recreate rooms."
	messageInternalError         = "Something went wrong, please check the bot logs."
	messageReconcileStarted      = "Reconciling all managed rooms and spaces..."
	messageCreateUsage           = "Usage: `%s %s create NAME ALIAS TITLE ENCRYPTED PUBLIC` (ENCRYPTED and PUBLIC are yes or no)."
	messageUnlinkUsage           = "Usage: `%s %s unlink ROOM` where ROOM is a logical ID, alias or room ID."
	messageRecreateUsage         = "Usage: `%s rooms recreate [ROOM]`, `rooms recreate confirm` or `rooms recreate cancel`."
	messageRoomExists            = "A managed room with alias %s already exists."
	messageRoomNotFound          = "No managed room matches `%s`."
	messageUnlinked              = "Unlinked `%s`. The room itself was not changed."
	messageUnlinkedAndLeft       = "Unlinked `%s` and left the room."
	messageUnlinkedLeaveFailed   = "Unlinked `%s` but could not leave the room (%s)."
	messageSpacesNotRecreatable  = "Spaces cannot be recreated."
	messageNoPendingConfirmation = "There is no recreate waiting for your confirmation in this room."
	messageAmbiguousConfirmation = "Several recreates are waiting for your confirmation here. React to or reply to the prompt you mean."
	messageRecreatePending       = "A recreate is already pending for this room."
	messageAlreadyRecreated      = "This room has already been recreated. Run the command in the new room instead."
)

func helpText(prefix string) string {
	lines := []string{
		"#### Commands",
		"",
		"Coordinators:",
		"* `%[1]s rooms` / `%[1]s spaces`: list managed rooms or spaces",
		"* `%[1]s rooms list-no-admin`: list managed rooms where I lack admin power",
		"* `%[1]s rooms create NAME ALIAS TITLE ENCRYPTED PUBLIC`: register and create a room",
		"* `%[1]s rooms unlink ROOM`: stop managing a room",
		"* `%[1]s rooms unlink-and-leave ROOM`: stop managing a room and leave it",
		"* `%[1]s reconcile`: converge every managed room now",
		"",
		"Admins:",
		"* `%[1]s rooms recreate [ROOM]`: replace a room with a fresh copy",
		"* `%[1]s rooms recreate confirm` / `cancel`: answer a pending recreate",
		"",
		"The `spaces` commands take the same arguments as `rooms`.",
	}
	return fmt.Sprintf(strings.Join(lines, "\n"), prefix)
}

func nounFor(kind repository.RoomKind) string {
	if kind == repository.RoomKindSpace {
		return "spaces"
	}
	return "rooms"
}

func formatRoomList(rooms []repository.ManagedRoom, kind repository.RoomKind, serverName string) string {
	noun := nounFor(kind)
	if len(rooms) == 0 {
		return fmt.Sprintf("I am not maintaining any %s.", noun)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "I am maintaining %d %s:\n\n", len(rooms), noun)
	for _, r := range rooms {
		roomID := r.RoomID
		if roomID == "" {
			roomID = "not created yet"
		}
		fmt.Fprintf(&b, "* %s / %s / %s", r.Name, matrix.FullAlias(r.Alias, serverName), roomID)
		var flags []string
		if r.IsEncrypted {
			flags = append(flags, "encrypted")
		}
		if r.IsPublic {
			flags = append(flags, "public")
		}
		if !r.HasMaintainer && r.RoomID != "" {
			flags = append(flags, "no admin")
		}
		if len(flags) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(flags, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func formatCreateResult(room repository.ManagedRoom, res convergence.Result, serverName string) string {
	alias := matrix.FullAlias(room.Alias, serverName)
	switch {
	case res.Err != nil:
		return fmt.Sprintf("Registered %s but could not set it up: failed at %s (%s).", alias, res.Step, matrix.KindOf(res.Err))
	case res.Adopted:
		return fmt.Sprintf("Registered existing room %s: %s", alias, matrix.RoomLink(res.RoomID, serverName))
	default:
		return fmt.Sprintf("Created %s: %s", alias, matrix.RoomLink(res.RoomID, serverName))
	}
}

func parseYesNo(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "yes", "y", "true":
		return true, nil
	case "no", "n", "false":
		return false, nil
	}
	return false, fmt.Errorf("expected yes or no, got %q", s)
}

func reactionAnswer(key string) (accepted, ok bool) {
	switch {
	case slices.Contains(acceptReactions, key):
		return true, true
	case slices.Contains(rejectReactions, key):
		return false, true
	}
	return false, false
}

func replyAnswer(body string) (accepted, ok bool) {
	body = strings.ToLower(strings.Trim(strings.TrimSpace(body), ".!"))
	switch {
	case slices.Contains(acceptReplies, body):
		return true, true
	case slices.Contains(rejectReplies, body):
		return false, true
	}
	return false, false
}

// splitArgs splits on whitespace and keeps double-quoted runs together.
func splitArgs(s string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		quoted  bool
		started bool
	)
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			started = true
		case !quoted && (r == ' ' || r == '\t' || r == '\n'):
			if started {
				args = append(args, cur.String())
				cur.Reset()
				started = false
			}
		default:
			cur.WriteRune(r)
			started = true
		}
	}
	if quoted {
		return nil, errors.New("unterminated quote")
	}
	if started {
		args = append(args, cur.String())
	}
	return args, nil
}
