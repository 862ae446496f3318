package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/vovakirdan/relaychat-server/internal/client"
	"github.com/vovakirdan/relaychat-server/internal/proto"
)

func main() {
	if err := run(); err != nil {
		log.Printf("ws_smoke: %v", err)
		os.Exit(1)
	}
}

// run logs in, subscribes, sends one message and waits until it comes back
// as a new_message event.
func run() error {
	server := flag.String("server", "http://localhost:8080", "server base URL")
	user := flag.String("user", "tester", "username")
	password := flag.String("password", "", "password")
	conversation := flag.Int64("conversation", 0, "conversation id")
	text := flag.String("text", "hello from smoke test", "message text to send")
	timeout := flag.Duration("timeout", 5*time.Second, "total timeout for the run")
	flag.Parse()

	if *conversation == 0 {
		return errors.New("-conversation is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	token, err := client.Login(ctx, *server, *user, *password)
	if err != nil {
		return err
	}
	sess, err := client.Dial(ctx, client.WebsocketURL(*server), token)
	if err != nil {
		return err
	}
	defer sess.Close()

	ready := sess.Ready()
	fmt.Printf("Ready: protocol=%d conn=%s user=%d\n", ready.Protocol, ready.ConnectionID, ready.UserID)

	if _, err := sess.Subscribe(ctx, []int64{*conversation}); err != nil {
		return err
	}
	sendRef, err := sess.SendMessage(ctx, *conversation, *text)
	if err != nil {
		return err
	}

	for {
		f, err := sess.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		fmt.Printf("Received outbound: type=%s", f.Type)
		if f.Event != "" {
			fmt.Printf(" event=%s", f.Event)
		}
		if f.Ref != "" {
			fmt.Printf(" ref=%s", f.Ref)
		}
		fmt.Println()

		if f.Error != nil {
			if f.Ref == sendRef {
				return fmt.Errorf("send rejected: %s: %s", f.Error.Code, f.Error.Msg)
			}
			fmt.Printf("Error: %s: %s\n", f.Error.Code, f.Error.Msg)
			continue
		}

		if f.Type == proto.OutboundTypeEvent && f.Event == "new_message" {
			var msg proto.Message
			if err := f.Decode(&msg); err != nil {
				return fmt.Errorf("decode message: %w", err)
			}
			fmt.Printf("Message: id=%d conversation=%d sender=%d content=%q\n", msg.ID, msg.ConversationID, msg.SenderID, msg.Content)
			if msg.SenderID == ready.UserID && msg.Content == *text {
				return nil
			}
		}
	}
}
