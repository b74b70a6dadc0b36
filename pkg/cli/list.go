package cli

import (
	"context"
	"fmt"

	"github.com/scriptorhq/scriptor/pkg/usecase/fragment"
	"github.com/urfave/cli/v3"
)

func listCommand() *cli.Command {
	var cfg config

	flags := globalFlags(&cfg)

	return &cli.Command{
		Name:  "list",
		Usage: "List fragments of a project in save order",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.loggerContext(ctx)

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}

			uc := fragment.New(repo, nil, fragment.WithOutput(c.Root().Writer))
			frags, err := uc.List(ctx, cfg.project)
			if err != nil {
				return err
			}

			if len(frags) == 0 {
				fmt.Fprintf(c.Root().Writer, "No fragments in project %s\n", cfg.project)
				return nil
			}
			for _, frag := range frags {
				fmt.Fprintf(c.Root().Writer, "%s\t%d bytes\t%s\n",
					frag.Name, len(frag.Text), frag.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
}
