package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"
)

const excerptLen = 120

func searchCommand() *cli.Command {
	var (
		cfg   config
		query string
		k     int64
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "query",
			Aliases:     []string{"q"},
			Usage:       "Natural language query to search fragments",
			Destination: &query,
			Required:    true,
		},
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"k"},
			Usage:       "Maximum number of results",
			Value:       10,
			Destination: &k,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:  "search",
		Usage: "Search fragments by vector similarity",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.loggerContext(ctx)

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			gemini, err := cfg.newGemini(ctx)
			if err != nil {
				return err
			}

			idx := cfg.newIndex(repo, gemini)
			matches, err := idx.Query(ctx, query, cfg.project, int(k))
			if err != nil {
				return err
			}

			if len(matches) == 0 {
				fmt.Fprintf(c.Root().Writer, "No matches\n")
				return nil
			}
			for i, m := range matches {
				excerpt := strings.ReplaceAll(m.Fragment.Text, "\n", " ")
				if len(excerpt) > excerptLen {
					excerpt = excerpt[:excerptLen] + "..."
				}
				fmt.Fprintf(c.Root().Writer, "%2d. %s (score=%.4f)\n    %s\n",
					i+1, m.Fragment.Name, m.Score, excerpt)
			}
			return nil
		},
	}
}
