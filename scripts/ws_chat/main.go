package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/vovakirdan/relaychat-server/internal/client"
	"github.com/vovakirdan/relaychat-server/internal/proto"
)

func main() {
	if err := run(); err != nil {
		log.Printf("ws_chat: %v", err)
		os.Exit(1)
	}
}

func run() error {
	server := flag.String("server", "http://localhost:8080", "server base URL")
	user := flag.String("user", "cli-user", "username")
	password := flag.String("password", "", "password")
	conversation := flag.Int64("conversation", 0, "conversation to chat in")
	flag.Parse()

	if *conversation == 0 {
		return errors.New("-conversation is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	token, err := client.Login(ctx, *server, *user, *password)
	if err != nil {
		return err
	}

	wsURL := client.WebsocketURL(*server)
	agent := client.NewAgent(client.Options{
		Dial: func(ctx context.Context) (*client.Session, error) {
			return client.Dial(ctx, wsURL, token)
		},
		OnFrame: printFrame,
		OnState: func(s client.State) {
			fmt.Printf("* %s\n", s)
		},
	})
	if err := agent.Subscribe(ctx, []int64{*conversation}); err != nil {
		return err
	}

	fmt.Printf("Chatting as %s in conversation %d\n", *user, *conversation)
	fmt.Println("Type messages and press Enter to send. Ctrl+C to exit.")

	runErr := make(chan error, 1)
	go func() { runErr <- agent.Run(ctx) }()

	writeLoop(ctx, agent, *conversation)

	stop()
	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func printFrame(f client.Frame) {
	switch f.Type {
	case proto.OutboundTypeError:
		if f.Error != nil {
			fmt.Printf("! %s: %s\n", f.Error.Code, f.Error.Msg)
		}
		return
	case proto.OutboundTypeEvent:
	default:
		return
	}

	switch f.Event {
	case "new_message", "message_updated":
		var msg proto.Message
		if err := f.Decode(&msg); err != nil {
			log.Printf("decode message: %v", err)
			return
		}
		switch {
		case msg.IsDeleted:
			fmt.Printf("[%d] message %d deleted\n", msg.ConversationID, msg.ID)
		case msg.IsEdited:
			fmt.Printf("[%d] user %d (edited): %s\n", msg.ConversationID, msg.SenderID, msg.Content)
		default:
			fmt.Printf("[%d] user %d: %s\n", msg.ConversationID, msg.SenderID, msg.Content)
		}
	case "user_typing":
		var evt proto.EventTyping
		if err := f.Decode(&evt); err == nil {
			fmt.Printf("[%d] %s is typing...\n", evt.ConversationID, evt.Username)
		}
	case "presence_changed":
		var evt proto.EventPresence
		if err := f.Decode(&evt); err == nil {
			state := "offline"
			if evt.Online {
				state = "online"
			}
			fmt.Printf("user %d is %s\n", evt.UserID, state)
		}
	}
}

func writeLoop(ctx context.Context, agent *client.Agent, conversation int64) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			_, err := agent.Send(ctx, proto.InboundTypeSend, proto.SendData{ConversationID: conversation, Content: text})
			if errors.Is(err, client.ErrNotConnected) {
				fmt.Println("! not connected, message not sent")
				continue
			}
			if err != nil {
				log.Printf("send error: %v", err)
			}
		}
	}
}
