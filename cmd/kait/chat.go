package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	markdown "github.com/MichaelMure/go-term-markdown"
	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"kait/internal/agent"
	"kait/internal/bank"
	"kait/internal/config"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the sidekick interactively",
	Long:  "Opens a terminal session against the in-process runtime. Replies\nrender as markdown. /correct teaches the sidekick a better answer,\n/quit leaves.",
	RunE:  runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(false)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stateDir, err := config.EnsureStateDir()
	if err != nil {
		return err
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          color.New(color.FgCyan).Sprint("you> "),
		HistoryFile:     filepath.Join(stateDir, "chat_history"),
		InterruptPrompt: "^C",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	sessionID := "cli-" + uuid.NewString()
	fmt.Printf("session %s · /correct to teach, /quit to leave\n\n", sessionID)

	var lastReply string
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case strings.HasPrefix(line, "/correct"):
			if err := teachCorrection(ctx, rt.Bank, lastReply, strings.TrimSpace(strings.TrimPrefix(line, "/correct"))); err != nil {
				fmt.Printf("%s %v\n", failMark("✗"), err)
			}
			continue
		}

		res, err := rt.Agents.Dispatch(ctx, agent.Request{
			Text:      line,
			SessionID: sessionID,
			Source:    "cli",
		})
		if err != nil {
			fmt.Printf("%s %v\n", failMark("✗"), err)
			continue
		}
		lastReply = res.Text
		printReply(res)
	}
}

// teachCorrection records a correction against the previous reply. The
// evolution counters pick it up through the bank on the next cycle.
func teachCorrection(ctx context.Context, b *bank.Bank, lastReply, correction string) error {
	if lastReply == "" {
		return fmt.Errorf("nothing to correct yet")
	}
	if correction == "" {
		return fmt.Errorf("usage: /correct <better answer>")
	}
	id, err := b.RecordCorrection(ctx, bank.Correction{
		OriginalResponse: lastReply,
		Correction:       correction,
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s correction saved (%s)\n", okMark("✓"), id)
	return nil
}

func printReply(res *agent.Result) {
	width := 100
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 20 {
		width = w
	}
	fmt.Print(string(markdown.Render(res.Text, width-2, 2)))
	if res.Provider != "" {
		fmt.Println(dimText(fmt.Sprintf("  [%s/%s resonance %.2f]", res.Provider, res.Model, res.Resonance)))
	}
	fmt.Println()
}
