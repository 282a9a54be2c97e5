package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/dotsetgreg/personamem/pkg/memory"
	"github.com/spf13/cobra"
)

const shellHelp = `Commands:
  <text>              recall memories matching <text>
  /remember <text>    store <text> as a fact
  /say <text>         record <text> as a user turn
  /reply <text>       record <text> as an assistant turn
  /stats              memory statistics for this bot
  /close              close the active session
  /help               show this help
  exit                leave the shell`

func newShellCommand(opts *rootOptions) *cobra.Command {
	var bot, user string
	var topK int

	cmd := &cobra.Command{
		Use:     "shell",
		Short:   "Interactive memory shell for one bot and user",
		Example: "  personamem shell --bot luna --user u1",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				s := &shell{app: a, bot: bot, user: user, topK: topK}
				s.interactiveMode(ctx)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&bot, "bot", "", "Bot ID")
	cmd.Flags().StringVar(&user, "user", "", "User ID")
	cmd.Flags().IntVarP(&topK, "top-k", "k", 5, "Maximum recall results")
	_ = cmd.MarkFlagRequired("bot")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

type shell struct {
	app       *app
	bot, user string
	topK      int
}

func (s *shell) interactiveMode(ctx context.Context) {
	prompt := fmt.Sprintf("%s [%s/%s]> ", appName, s.bot, s.user)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     filepath.Join(os.TempDir(), ".personamem_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Printf("Error initializing readline: %v\n", err)
		fmt.Println("Falling back to simple input mode...")
		s.simpleInteractiveMode(ctx, prompt)
		return
	}
	defer rl.Close()

	fmt.Println(shellHelp)
	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}
		if !s.handle(ctx, os.Stdout, line) {
			fmt.Println("Goodbye!")
			return
		}
	}
}

func (s *shell) simpleInteractiveMode(ctx context.Context, prompt string) {
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print(prompt)
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}
		if !s.handle(ctx, os.Stdout, line) {
			fmt.Println("Goodbye!")
			return
		}
	}
}

// handle runs one shell line and reports whether the shell should continue.
func (s *shell) handle(ctx context.Context, w io.Writer, line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return true
	}
	if input == "exit" || input == "quit" {
		return false
	}

	cmd, rest := input, ""
	if strings.HasPrefix(input, "/") {
		if i := strings.IndexByte(input, ' '); i > 0 {
			cmd, rest = input[:i], strings.TrimSpace(input[i+1:])
		}
	} else {
		cmd, rest = "", input
	}

	engine := s.app.engine
	switch cmd {
	case "/help":
		fmt.Fprintln(w, shellHelp)
	case "/remember":
		res, err := engine.Remember(ctx, memory.Record{
			BotID: s.bot, UserID: s.user, Type: memory.MemoryFact,
			Content: rest, Confidence: 0.9, Source: "shell",
		})
		if err != nil {
			fmt.Fprintf(w, "Error: %v\n", err)
			break
		}
		fmt.Fprintf(w, "✓ stored %s\n", res.ID)
		for _, c := range res.Contradictions {
			fmt.Fprintf(w, "  ! contradicts %s (%.2f): %s\n", c.ExistingMemoryID, c.SimilarityScore, c.ExistingContent)
		}
	case "/say", "/reply":
		role := "user"
		if cmd == "/reply" {
			role = "assistant"
		}
		res, err := engine.RecordTurn(ctx, memory.Turn{BotID: s.bot, UserID: s.user, Role: role, Content: rest, Timestamp: time.Now()})
		if err != nil {
			fmt.Fprintf(w, "Error: %v\n", err)
			break
		}
		fmt.Fprintf(w, "✓ turn %s in session %s (turns=%d)\n", res.ID, res.SessionID, res.Transition.TurnCount)
		if res.Transition.Closed != nil {
			fmt.Fprintf(w, "  previous session %s closed\n", res.Transition.Closed.SessionID)
		}
	case "/stats":
		st, err := engine.Store().GetStats(ctx, s.bot)
		if err != nil {
			fmt.Fprintf(w, "Error: %v\n", err)
			break
		}
		fmt.Fprintf(w, "memories=%d users=%d confidence=%.2f significance=%.2f\n", st.Count, st.UniqueUsers, st.AvgConfidence, st.AvgSignificance)
	case "/close":
		closed, err := engine.Sessions().CloseSession(ctx, s.bot, s.user)
		if err != nil {
			fmt.Fprintf(w, "Error: %v\n", err)
			break
		}
		if closed {
			fmt.Fprintln(w, "✓ session closed")
		} else {
			fmt.Fprintln(w, "No active session.")
		}
	case "":
		res, err := engine.Recall(ctx, memory.RecallRequest{
			BotID: s.bot, UserID: s.user, Query: rest, TopK: s.topK,
			User: memory.UserContext{Now: time.Now()},
		})
		if err != nil {
			fmt.Fprintf(w, "Error: %v\n", err)
			break
		}
		if len(res.Results) == 0 {
			fmt.Fprintf(w, "No memories (%s, threshold %.2f)\n", res.Query.QueryType, res.Threshold)
			break
		}
		for i, r := range res.Results {
			fmt.Fprintf(w, "%d. [%s %.2f] %s\n", i+1, r.Type, r.Combined, r.Content)
		}
	default:
		fmt.Fprintf(w, "Unknown command %s (try /help)\n", cmd)
	}
	return true
}
