package main

import (
	"context"
	"fmt"

	"github.com/3rs4lg4d0/gobus/internal/whitelist"
)

const (
	commandServe    = "serve"
	commandRegister = "register"
	commandPromote  = "promote"
	commandDemote   = "demote"
	commandRename   = "rename"
)

var commandArgs = map[string]int{
	commandServe:    0,
	commandRegister: 2,
	commandPromote:  1,
	commandDemote:   1,
	commandRename:   2,
}

type command struct {
	name string
	args []string
}

func parseCommand(args []string) (command, error) {
	if len(args) == 0 {
		return command{name: commandServe}, nil
	}
	want, ok := commandArgs[args[0]]
	if !ok {
		return command{}, fmt.Errorf("unknown command '%s'", args[0])
	}
	if len(args)-1 != want {
		return command{}, fmt.Errorf("%s expects %d arguments, got %d", args[0], want, len(args)-1)
	}
	if want > 0 {
		if err := whitelist.ValidateTin(args[1]); err != nil {
			return command{}, err
		}
	}
	return command{name: args[0], args: args[1:]}, nil
}

// service holds the use cases reachable from the command line.
type service interface {
	Register(ctx context.Context, tin, name string) (*whitelist.Organization, error)
	Promote(ctx context.Context, tin string) error
	Demote(ctx context.Context, tin string) error
	Rename(ctx context.Context, tin, name string) error
}

func (c command) apply(ctx context.Context, s service) error {
	switch c.name {
	case commandRegister:
		_, err := s.Register(ctx, c.args[0], c.args[1])
		return err
	case commandPromote:
		return s.Promote(ctx, c.args[0])
	case commandDemote:
		return s.Demote(ctx, c.args[0])
	case commandRename:
		return s.Rename(ctx, c.args[0], c.args[1])
	default:
		return fmt.Errorf("%s is not a one-shot command", c.name)
	}
}
