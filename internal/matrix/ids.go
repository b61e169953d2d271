package matrix

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var aliasLocalpartPattern = regexp.MustCompile(`^[a-z0-9._=\-/+]+$`)

// ValidateAliasLocalpart rejects aliases the homeserver would refuse, before
// any request is made.
func ValidateAliasLocalpart(localpart string) error {
	if localpart == "" {
		return fmt.Errorf("%w: alias is empty", ErrValidation)
	}
	if !aliasLocalpartPattern.MatchString(localpart) {
		return fmt.Errorf("%w: alias %q contains characters outside [a-z0-9._=-/+]", ErrValidation, localpart)
	}
	return nil
}

// AliasLocalpart strips the leading '#' and the server part of an alias.
func AliasLocalpart(alias string) string {
	alias = strings.TrimPrefix(strings.TrimSpace(alias), "#")
	if i := strings.IndexByte(alias, ':'); i >= 0 {
		alias = alias[:i]
	}
	return alias
}

func FullAlias(localpart, serverName string) string {
	return "#" + localpart + ":" + serverName
}

func IsLocalUser(userID, serverName string) bool {
	return strings.HasSuffix(userID, ":"+serverName)
}

func RoomLink(roomID, serverName string) string {
	return fmt.Sprintf("https://matrix.to/#/%s?via=%s", url.PathEscape(roomID), url.QueryEscape(serverName))
}
