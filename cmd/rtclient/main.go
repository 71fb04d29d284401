package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/projecthub/realtime/internal/chat"
	"github.com/projecthub/realtime/internal/client/client"
	"github.com/projecthub/realtime/internal/client/msgsync"
	"github.com/projecthub/realtime/internal/client/typing"
)

const help = `commands:
  /open <conversation-id>      view a conversation
  /dm <user>                   open (or create) a direct conversation
  /group <name> <user>...      create a group conversation
  /list                        show the conversation directory
  /older                       load older messages
  /edit <message-id> <text>    edit one of your messages
  /delete <message-id>         delete one of your messages
  /typing                      signal that you are typing
  /status                      show the connection state
  /quit                        exit
anything else is sent to the open conversation`

func main() {
	var (
		server       = flag.String("server", "http://localhost:8080", "server root URL")
		token        = flag.String("token", "", "session token")
		user         = flag.String("user", "", "local user id (defaults to the token)")
		project      = flag.Int64("project", 0, "project to open")
		conversation = flag.Int64("conversation", 0, "conversation to open")
		retries      = flag.Int("retries", 5, "reconnect attempts after the first failure")
		retryDelay   = flag.Duration("retry-delay", 2*time.Second, "delay between reconnect attempts")
		typingDelay  = flag.Duration("typing-delay", typing.DefaultDelay, "idle time before typing stops")
	)
	flag.Parse()

	if *token == "" {
		log.Fatalf("--token is required")
	}
	if *user == "" {
		*user = *token
	}

	cfg := client.DefaultConfig()
	cfg.ServerURL = *server
	cfg.Token = *token
	cfg.UserID = *user
	cfg.Retries = *retries
	cfg.RetryDelay = *retryDelay
	cfg.TypingDelay = *typingDelay

	// lastShown is touched only by hooks, which run on the client loop.
	lastShown := make(map[int64]int64)
	hooks := client.Hooks{
		OnState: func(status string) {
			fmt.Printf("* %s\n", status)
		},
		OnMessages: func(conversationID int64, entries []msgsync.Entry) {
			for _, e := range entries {
				if e.State != msgsync.Confirmed || e.Message.ID <= lastShown[conversationID] {
					continue
				}
				lastShown[conversationID] = e.Message.ID
				printMessage(e.Message)
			}
		},
		OnTyping: func(sentence string) {
			if sentence != "" {
				fmt.Printf("  %s\n", sentence)
			}
		},
		OnError: func(err error) {
			fmt.Printf("! %v\n", err)
		},
	}

	c, err := client.New(cfg, hooks)
	if err != nil {
		log.Fatalf("client: %v", err)
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := c.Start(ctx); err != nil {
		log.Fatalf("connect %s: %v", *server, err)
	}
	if *project != 0 {
		_ = c.OpenProject(*project)
	}
	if *conversation != 0 {
		_ = c.OpenConversation(*conversation)
	}
	fmt.Println(help)

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := run(ctx, c, strings.TrimSpace(line)); quit {
				return
			}
		}
	}
}

func run(ctx context.Context, c *client.Client, line string) (quit bool) {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if c.Active() == 0 {
			fmt.Println("! no conversation open")
			return false
		}
		if _, err := c.Send(line); err != nil {
			fmt.Printf("! %v\n", err)
		}
		return false
	}

	fields := strings.Fields(line)
	var err error
	switch fields[0] {
	case "/quit":
		return true
	case "/open":
		var id int64
		if id, err = argID(fields, 1); err == nil {
			err = c.OpenConversation(id)
		}
	case "/dm":
		if len(fields) < 2 {
			err = fmt.Errorf("usage: /dm <user>")
			break
		}
		var id int64
		if id, err = c.OpenDirect(ctx, fields[1]); err == nil {
			fmt.Printf("* conversation %d\n", id)
		}
	case "/group":
		if len(fields) < 3 {
			err = fmt.Errorf("usage: /group <name> <user>...")
			break
		}
		var conv *chat.Conversation
		if conv, err = c.CreateGroup(ctx, fields[1], fields[2:]); err == nil {
			fmt.Printf("* created conversation %d\n", conv.ID)
		}
	case "/list":
		for _, conv := range c.Directory() {
			printSummary(conv)
		}
	case "/older":
		err = c.LoadOlder()
	case "/edit":
		var id int64
		if id, err = argID(fields, 1); err == nil {
			if len(fields) < 3 {
				err = fmt.Errorf("usage: /edit <message-id> <text>")
				break
			}
			err = c.Edit(ctx, id, strings.Join(fields[2:], " "))
		}
	case "/delete":
		var id int64
		if id, err = argID(fields, 1); err == nil {
			err = c.Delete(ctx, id)
		}
	case "/typing":
		err = c.Typing()
	case "/status":
		fmt.Printf("* %s\n", c.Status())
	default:
		fmt.Println(help)
	}
	if err != nil {
		fmt.Printf("! %v\n", err)
	}
	return false
}

func argID(fields []string, i int) (int64, error) {
	if len(fields) <= i {
		return 0, fmt.Errorf("missing id")
	}
	id, err := strconv.ParseInt(fields[i], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", fields[i])
	}
	return id, nil
}

func printMessage(m chat.Message) {
	edited := ""
	if m.IsEdited {
		edited = " (edited)"
	}
	fmt.Printf("[%s] #%d %s: %s%s\n", m.CreatedAt.Local().Format("15:04"), m.ID, m.SenderID, m.Content, edited)
}

func printSummary(conv chat.Conversation) {
	name := conv.Name
	if name == "" {
		name = strings.Join(conv.Members, ", ")
	}
	last := ""
	if conv.LastMessage != nil {
		last = fmt.Sprintf(" | %s: %s", conv.LastMessage.SenderID, conv.LastMessage.Content)
	}
	fmt.Printf("  %d %s [%s] unread=%d%s\n", conv.ID, name, conv.Type, conv.UnreadCount, last)
}
