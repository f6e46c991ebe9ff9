// Command repl is a terminal client: it runs the conversation controller over
// a local store and reveals replies incrementally as they stream in.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"

	"github.com/hearthchat/backend/internal/config"
	"github.com/hearthchat/backend/internal/service/ai"
	"github.com/hearthchat/backend/internal/service/backoff"
	"github.com/hearthchat/backend/internal/service/conversation"
	"github.com/hearthchat/backend/internal/store"
)

func main() {
	ctx := context.Background()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if !cfg.AI.Enabled() {
		log.Fatal("completion credentials not configured; set ARK_API_KEY and ARK_MODEL")
	}

	aiService, err := ai.NewService(ctx, cfg.AI)
	if err != nil {
		log.Fatalf("failed to initialize completion service: %v", err)
	}

	var st conversation.Store
	if cfg.Store.DBPath != "" {
		sqliteStore, err := store.NewSQLiteStore(cfg.Store.DBPath)
		if err != nil {
			log.Fatalf("failed to open store: %v", err)
		}
		defer sqliteStore.Close()
		st = sqliteStore
	} else {
		st = store.NewMemoryStore()
	}

	controller := conversation.NewController(st, aiService, backoff.New(cfg.AI.MaxRetries))
	if err := controller.Start(ctx); err != nil {
		log.Fatalf("failed to start controller: %v", err)
	}
	defer controller.Close()

	printer := newStreamPrinter()
	unsubscribe := controller.Subscribe(printer.render)
	defer unsubscribe()

	fmt.Println("hearth repl — /new, /list, /switch <n>, /delete, /quit")
	printSessions(controller.Snapshot())

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "/quit":
			return
		case line == "/new":
			if _, err := controller.CreateSession(ctx, ""); err == nil {
				printSessions(controller.Snapshot())
			}
		case line == "/list":
			printSessions(controller.Snapshot())
		case line == "/delete":
			snapshot := controller.Snapshot()
			if snapshot.SelectedID != "" {
				_ = controller.DeleteSession(ctx, snapshot.SelectedID)
				printSessions(controller.Snapshot())
			}
		case strings.HasPrefix(line, "/switch "):
			n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "/switch ")))
			snapshot := controller.Snapshot()
			if err != nil || n < 1 || n > len(snapshot.Sessions) {
				fmt.Println("usage: /switch <session number from /list>")
				continue
			}
			_ = controller.SelectSession(ctx, snapshot.Sessions[n-1].ID)
		default:
			printer.beginExchange()
			_ = controller.SendMessage(ctx, line)
			printer.endExchange()
		}

		if banner := controller.Snapshot().Banner; banner != "" {
			fmt.Printf("! %s\n", banner)
			controller.DismissBanner()
		}
	}
}

func printSessions(snapshot conversation.Snapshot) {
	for i, session := range snapshot.Sessions {
		marker := " "
		if session.ID == snapshot.SelectedID {
			marker = "*"
		}
		fmt.Printf("%s %d. %s\n", marker, i+1, session.Title)
	}
}

// streamPrinter turns snapshot updates into incremental terminal output by
// printing only the not-yet-shown suffix of the growing placeholder.
type streamPrinter struct {
	mu      sync.Mutex
	active  bool
	printed int
}

func newStreamPrinter() *streamPrinter {
	return &streamPrinter{}
}

func (p *streamPrinter) beginExchange() {
	p.mu.Lock()
	p.active = true
	p.printed = 0
	p.mu.Unlock()
}

func (p *streamPrinter) endExchange() {
	p.mu.Lock()
	if p.active && p.printed > 0 {
		fmt.Println()
	}
	p.active = false
	p.mu.Unlock()
}

func (p *streamPrinter) render(snapshot conversation.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active || len(snapshot.Messages) == 0 {
		return
	}

	last := snapshot.Messages[len(snapshot.Messages)-1]
	if !last.IsPlaceholder {
		return
	}
	if len(last.Text) > p.printed {
		fmt.Print(last.Text[p.printed:])
		p.printed = len(last.Text)
	}
}
