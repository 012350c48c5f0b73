// Command chat is a terminal client for the relay. Each line read from stdin is sent as a user message and
// the assistant reply is printed as it streams in.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/MegaGrindStone/chat-relay/internal/client"
	"github.com/MegaGrindStone/chat-relay/internal/models"
	"github.com/MegaGrindStone/chat-relay/internal/transcript"
)

func main() {
	url := flag.String("url", "http://localhost:5000/api/chat", "chat endpoint of the relay")
	token := flag.String("token", os.Getenv("CHAT_TOKEN"), "bearer token sent with every turn")
	export := flag.String("export", "", "write the conversation as an HTML transcript to this path on exit")
	verbose := flag.Bool("v", false, "log client diagnostics to stderr")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	p := &printer{}
	session := client.NewSession(*url,
		client.WithToken(*token),
		client.WithLogger(logger),
		client.WithUpdateHandler(p.update),
	)

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		err := session.Submit(ctx, scanner.Text())
		if errors.Is(err, client.ErrEmptyMessage) {
			fmt.Print("> ")
			continue
		}
		fmt.Println()
		if err != nil && ctx.Err() != nil {
			break
		}
		fmt.Print("> ")
	}
	if err := scanner.Err(); err != nil {
		logger.Error("Failed to read input", slog.String("err", err.Error()))
	}

	if *export == "" {
		return
	}
	if err := exportTranscript(*export, session.Messages()); err != nil {
		log.Fatal(err)
	}
	fmt.Fprintf(os.Stderr, "transcript written to %s\n", *export)
}

// printer writes the growth of the last assistant message to stdout, printing only the suffix that is new
// since the previous update.
type printer struct {
	id      string
	printed string
}

func (p *printer) update(conv models.Conversation) {
	last, ok := conv.Last()
	if !ok || last.Role != models.RoleAssistant {
		return
	}
	if last.ID != p.id {
		p.id = last.ID
		p.printed = ""
	}

	switch {
	case strings.HasPrefix(last.Content, p.printed):
		fmt.Print(last.Content[len(p.printed):])
	default:
		// The reply was replaced by the error notice.
		fmt.Print("\n" + last.Content)
	}
	p.printed = last.Content
}

func exportTranscript(path string, conv models.Conversation) error {
	r, err := transcript.NewRenderer()
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating transcript file: %w", err)
	}
	defer f.Close()
	if err := r.Render(f, "Chat transcript", conv); err != nil {
		return err
	}
	return f.Close()
}
