package cli

import (
	"context"

	mcpservice "github.com/scriptorhq/scriptor/pkg/service/mcp"
	"github.com/urfave/cli/v3"
)

func mcpCommand() *cli.Command {
	var cfg config

	flags := globalFlags(&cfg)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, policyFlags(&cfg)...)
	flags = append(flags, archiveFlags(&cfg)...)

	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve the fragment store and pipeline engine over MCP on stdio",
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
			fragments, err := cfg.newFragmentUseCase(ctx, repo, gemini)
			if err != nil {
				return err
			}
			engine, err := cfg.newEngine(ctx, repo, gemini)
			if err != nil {
				return err
			}

			server := mcpservice.NewServer(fragments, cfg.newIndex(repo, gemini), engine)
			return server.Run(ctx)
		},
	}
}
