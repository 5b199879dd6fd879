package manager

import (
	"context"
	"fmt"
	"regexp"

	"github.com/loykin/gamevisor/internal/lock"
	"github.com/loykin/gamevisor/internal/model"
)

// PlayerAction is an administrative player mutation sent to the console.
type PlayerAction string

const (
	PlayerWhitelistAdd    PlayerAction = "whitelist-add"
	PlayerWhitelistRemove PlayerAction = "whitelist-remove"
	PlayerOp              PlayerAction = "op"
	PlayerDeop            PlayerAction = "deop"
	PlayerBan             PlayerAction = "ban"
	PlayerPardon          PlayerAction = "pardon"
	PlayerKick            PlayerAction = "kick"
)

var playerCommands = map[PlayerAction]string{
	PlayerWhitelistAdd:    "whitelist add %s",
	PlayerWhitelistRemove: "whitelist remove %s",
	PlayerOp:              "op %s",
	PlayerDeop:            "deop %s",
	PlayerBan:             "ban %s",
	PlayerPardon:          "pardon %s",
	PlayerKick:            "kick %s",
}

var playerName = regexp.MustCompile(`^\w{2,16}$`)

// Players returns the players currently online, as seen in the console.
func (m *Manager) Players(ctx context.Context, id string) ([]string, error) {
	if _, err := m.GetServer(ctx, id); err != nil {
		return nil, err
	}
	return m.supervisor(id).Players(), nil
}

// PlayerCommand runs a whitelist/op/ban/kick mutation through the console.
func (m *Manager) PlayerCommand(ctx context.Context, id string, action PlayerAction, name string) error {
	format, ok := playerCommands[action]
	if !ok {
		return &model.ValidationError{Field: "action", Reason: fmt.Sprintf("unknown player action %q", action)}
	}
	if !playerName.MatchString(name) {
		return &model.ValidationError{Field: "name", Reason: "player names are 2-16 word characters"}
	}
	return m.locked(ctx, id, lock.OpCommand, func(ctx context.Context) error {
		if _, err := m.record(ctx, id); err != nil {
			return err
		}
		return m.supervisor(id).SendCommand(fmt.Sprintf(format, name))
	})
}
