package cli

import (
	"context"
	"fmt"

	"github.com/scriptorhq/scriptor/pkg/usecase/fragment"
	"github.com/urfave/cli/v3"
)

func getCommand() *cli.Command {
	var (
		cfg  config
		name string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "name",
			Aliases:     []string{"n"},
			Usage:       "Fragment name to retrieve",
			Destination: &name,
			Required:    true,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "get",
		Usage: "Print a fragment's text",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.loggerContext(ctx)

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}

			uc := fragment.New(repo, nil, fragment.WithOutput(c.Root().Writer))
			frag, err := uc.Get(ctx, cfg.project, name)
			if err != nil {
				return err
			}

			fmt.Fprintf(c.Root().Writer, "%s\n", frag.Text)
			return nil
		},
	}
}
