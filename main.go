package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"converse/internal/config"
	"converse/internal/content"
	"converse/internal/history"
	"converse/internal/models"
	"converse/internal/session"
	"converse/internal/storage"
	"converse/internal/store"
	"converse/internal/stubs"
	"converse/internal/ws"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context) error {
	token := flag.String("token", os.Getenv("TOKEN"), "Bearer token for the chat server")
	stub := flag.Bool("stub", false, "Run against a built-in stub server")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if *stub {
		stubToken, shutdown, err := startStubServer(cfg)
		if err != nil {
			return err
		}
		defer shutdown()
		*token = stubToken
	}

	if *token == "" {
		return errors.New("a token is required (flag -token or env TOKEN)")
	}

	sess := session.New()
	if err := sess.SetToken(*token); err != nil {
		return err
	}

	var cache *storage.Cache
	if cfg.CacheFile != "" {
		cache, err = storage.NewCache(cfg.CacheFile)
		if err != nil {
			return err
		}
		defer func() { _ = cache.Close() }()
	}

	channel := ws.NewChannel(ws.Config{
		URL:                  cfg.WebSocketURL(),
		HeartbeatInterval:    cfg.HeartbeatInterval,
		ReconnectBase:        cfg.ReconnectBase,
		ReconnectMaxDelay:    cfg.ReconnectMaxDelay,
		ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
	})

	st := store.New(ctx, store.Config{
		TypingExpiry: cfg.TypingExpiry,
		Cache:        cache,
		OnNewMessage: func(m models.Message) {
			fmt.Printf("[%s] %s: %s\n", m.ThreadID, m.SenderID, m.Content)
		},
		OnServerError: func(msg string) {
			fmt.Printf("server error: %s\n", msg)
		},
	}, channel)
	defer st.Close()
	st.SetCurrentUserID(sess.UserID())

	// Logout anywhere (another tab, token revocation) tears the connection down.
	unsub := sess.Subscribe(func(state session.State) {
		if !state.Authenticated {
			channel.Disconnect()
		}
	})
	defer unsub()

	if err := channel.Connect(ctx, sess.Token(), sess.UserID()); err != nil {
		return err
	}
	defer channel.Disconnect()

	fetcher := history.NewFetcher(cfg.BaseURL, sess)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return repl(gCtx, st, fetcher, channel, os.Stdin)
	})
	g.Go(func() error {
		<-gCtx.Done()
		return gCtx.Err()
	})
	return g.Wait()
}

func repl(ctx context.Context, st *store.Store, fetcher *history.Fetcher, channel *ws.Channel, in io.Reader) error {
	fmt.Println("commands: /open <thread>, /threads, /unread, /status <s>, /attach <file>, /quit; anything else sends to the open thread")

	// Stdin reads cannot be interrupted, so a goroutine feeds lines into a
	// channel and the loop below can still react to cancellation.
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	var active string
	for {
		var line string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErr:
			return err
		case raw := <-lines:
			line = strings.TrimSpace(raw)
		}

		switch {
		case line == "":
		case line == "/quit":
			return nil
		case line == "/threads":
			for _, th := range st.AllConversations() {
				preview := ""
				if th.LastMessage != nil {
					preview = th.LastMessage.Content
				}
				fmt.Printf("%s (unread %d) %s\n", th.ID, th.UnreadCount, preview)
			}
		case line == "/unread":
			fmt.Printf("total unread: %d\n", st.TotalUnread())
		case strings.HasPrefix(line, "/status "):
			status := models.UserStatus(strings.TrimSpace(strings.TrimPrefix(line, "/status ")))
			switch status {
			case models.UserStatusOnline, models.UserStatusOffline, models.UserStatusAway, models.UserStatusDoNotDisturb:
				if err := channel.SendStatus(status); err != nil {
					fmt.Printf("status update failed: %v\n", err)
				}
			default:
				fmt.Println("status must be one of: online, offline, away, do_not_disturb")
			}
		case strings.HasPrefix(line, "/attach "):
			if active == "" {
				fmt.Println("no thread open; use /open <thread>")
				break
			}
			path := strings.TrimSpace(strings.TrimPrefix(line, "/attach "))
			data, err := os.ReadFile(path)
			if err != nil {
				fmt.Printf("attach failed: %v\n", err)
				break
			}
			if _, err := st.SendAttachment(active, filepath.Base(path), data); err != nil {
				fmt.Printf("attach failed: %v\n", err)
			}
		case strings.HasPrefix(line, "/open "):
			active = strings.TrimSpace(strings.TrimPrefix(line, "/open "))
			st.SetActiveThreadID(active)
			page, err := fetcher.ThreadMessages(ctx, active, 1, history.DefaultPageSize)
			if err != nil {
				fmt.Printf("history fetch failed: %v\n", err)
				break
			}
			st.MergeHistory(active, *page)
			if th, ok := st.Conversation(active); ok {
				for _, m := range th.Messages {
					fmt.Printf("%s %s: %s\n", m.CreatedAt.Format(time.Kitchen), m.SenderID, renderBody(m))
				}
			}
		default:
			if active == "" {
				fmt.Println("no thread open; use /open <thread>")
				break
			}
			if _, err := st.SendMessage(active, line); err != nil {
				fmt.Printf("send failed: %v\n", err)
			}
		}
	}
}

// renderBody formats a message for display; text bodies go through the
// markdown renderer, other content types show the attachment name.
func renderBody(m models.Message) string {
	if m.ContentType != models.ContentTypeText {
		return fmt.Sprintf("[%s] %s", m.ContentType, m.Content)
	}
	html, err := content.RenderMarkdown(m.Content)
	if err != nil {
		return m.Content
	}
	return strings.TrimSpace(html)
}

func startStubServer(cfg *config.Config) (string, func(), error) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "demo-user",
		"exp": time.Now().Add(12 * time.Hour).Unix(),
	}).SignedString([]byte("stub-secret"))
	if err != nil {
		return "", nil, err
	}

	srv := stubs.NewServer()
	srv.Authorize(token, "demo-user")
	srv.Seed("general", models.Message{
		ID:          "seed-1",
		ThreadID:    "general",
		SenderID:    "stub-bot",
		Content:     "welcome to the stub server",
		ContentType: models.ContentTypeText,
		CreatedAt:   time.Now().Add(-time.Minute).UTC(),
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}
	httpSrv := &http.Server{Handler: srv.Handler()}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("stub server error: %v", err)
		}
	}()

	cfg.BaseURL = "http://" + ln.Addr().String()
	log.Printf("stub server listening on %s", cfg.BaseURL)

	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}
	return token, shutdown, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
