package cli

import (
	"context"

	"github.com/urfave/cli/v3"
)

type Error struct {
	Code    int
	Message string
}

func Run(ctx context.Context, argv []string) *Error {
	cmd := &cli.Command{
		Name:  "scriptor",
		Usage: "Content fragment store with durable agent pipelines",
		Commands: []*cli.Command{
			putCommand(),
			getCommand(),
			listCommand(),
			searchCommand(),
			runCommand(),
			chatCommand(),
			mcpCommand(),
		},
	}

	if err := cmd.Run(ctx, argv); err != nil {
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}

	return nil
}
