package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func putCommand() *cli.Command {
	var (
		cfg  config
		name string
		text string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "name",
			Aliases:     []string{"n"},
			Usage:       "Fragment name (required with --text, derived from the filename otherwise)",
			Destination: &name,
		},
		&cli.StringFlag{
			Name:        "text",
			Aliases:     []string{"t"},
			Usage:       "Fragment text given inline instead of from files",
			Destination: &text,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, policyFlags(&cfg)...)

	return &cli.Command{
		Name:      "put",
		Usage:     "Save content fragments from files or inline text",
		ArgsUsage: "[file...]",
		Flags:     flags,
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
			uc, err := cfg.newFragmentUseCase(ctx, repo, gemini)
			if err != nil {
				return err
			}

			if text != "" {
				if name == "" {
					return goerr.New("--name is required with --text")
				}
				frag, err := uc.Save(ctx, name, cfg.project, text)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.Root().Writer, "Saved %s (%d dims)\n", frag.Name, len(frag.Embedding))
				return nil
			}

			files := c.Args().Slice()
			if len(files) == 0 {
				return goerr.New("give files to save or use --text")
			}
			for _, path := range files {
				frag, err := uc.SaveFile(ctx, path, cfg.project)
				if err != nil {
					return goerr.Wrap(err, "failed to save file", goerr.V("path", path))
				}
				fmt.Fprintf(c.Root().Writer, "Saved %s (%d dims)\n", frag.Name, len(frag.Embedding))
			}
			return nil
		},
	}
}
