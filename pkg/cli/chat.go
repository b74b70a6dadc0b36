package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/m-mizutani/goerr/v2"
	"github.com/scriptorhq/scriptor/pkg/invoker"
	"github.com/urfave/cli/v3"
)

func chatCommand() *cli.Command {
	var (
		cfg      config
		identity string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "identity",
			Aliases:     []string{"i"},
			Usage:       "Conversation identity to chat as",
			Value:       "chat:local",
			Sources:     cli.EnvVars("SCRIPTOR_CHAT_IDENTITY"),
			Destination: &identity,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:  "chat",
		Usage: "Interactive conversation grounded in stored fragments",
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
			inv := cfg.newInvoker(repo, gemini)

			rl, err := readline.New("> ")
			if err != nil {
				return goerr.Wrap(err, "failed to open terminal")
			}
			defer rl.Close()

			fmt.Fprintf(c.Root().Writer, "Chat session started as %s. Type 'exit' to quit.\n", identity)

			for {
				line, err := rl.Readline()
				if errors.Is(err, readline.ErrInterrupt) {
					continue
				}
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					return goerr.Wrap(err, "failed to read input")
				}

				message := strings.TrimSpace(line)
				if message == "exit" {
					break
				}
				if message == "" {
					continue
				}

				out, err := inv.Turn(ctx, invoker.TurnInput{
					Identity:    identity,
					Instruction: message,
					ProjectID:   cfg.project,
				})
				if err != nil {
					fmt.Fprintf(c.Root().Writer, "error: %s\n", err)
					continue
				}
				fmt.Fprintf(c.Root().Writer, "%s\n", out.Text)
			}

			fmt.Fprintf(c.Root().Writer, "\nChat session completed\n")
			return nil
		},
	}
}
