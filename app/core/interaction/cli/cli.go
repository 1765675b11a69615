package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"lembra/app/core/orchestrator/engine"
	"lembra/app/core/orchestrator/users"
	"lembra/app/pkg/types"
)

const ProviderID = "cli"

type Users interface {
	FindOrCreateByAccount(ctx context.Context, provider, externalID, name, phone string) (users.User, error)
}

type TurnHandler interface {
	HandleTurn(ctx context.Context, in types.Turn) engine.Reply
}

// Console talks to the engine from a terminal. It goes through the same
// user resolution as the webhooks, under the "cli" provider.
type Console struct {
	externalID string
	users      Users
	turns      TurnHandler
	in         io.Reader
	out        io.Writer
	now        func() time.Time
}

func NewConsole(u Users, turns TurnHandler, externalID string, in io.Reader, out io.Writer) *Console {
	if strings.TrimSpace(externalID) == "" {
		externalID = "local_user"
	}
	return &Console{
		externalID: externalID,
		users:      u,
		turns:      turns,
		in:         in,
		out:        out,
		now:        time.Now,
	}
}

// Run reads one turn per line until EOF, "exit" or ctx is done.
func (c *Console) Run(ctx context.Context) error {
	user, err := c.users.FindOrCreateByAccount(ctx, ProviderID, c.externalID, c.externalID, "")
	if err != nil {
		return fmt.Errorf("resolve console user: %w", err)
	}

	scanner := bufio.NewScanner(c.in)
	fmt.Fprintln(c.out, ">> Lembra console. Type 'exit' to quit.")
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		fmt.Fprint(c.out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		text := strings.TrimSpace(scanner.Text())
		switch text {
		case "":
			continue
		case "exit", "quit":
			fmt.Fprintln(c.out, "bye")
			return nil
		}
		reply := c.turns.HandleTurn(ctx, types.Turn{
			UserID:    user.ID,
			Provider:  ProviderID,
			Text:      text,
			Timestamp: c.now(),
		})
		fmt.Fprintf(c.out, "[lembra]: %s\n", reply.Text)
	}
}
