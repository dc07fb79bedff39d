// Command relayctl drives the Brain API from a terminal: it logs in, sends
// a chat message through the relay and waits for the assistant's reply, or
// listens for result notifications on the WebSocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"
)

func main() {
	baseURL := flag.String("url", envOr("BRAIN_URL", "http://localhost:8081"), "API base URL")
	email := flag.String("email", os.Getenv("BRAIN_EMAIL"), "account email")
	password := flag.String("password", os.Getenv("BRAIN_PASSWORD"), "account password")
	chatID := flag.String("chat", "", "chat to send to; a new chat is started when empty")
	send := flag.String("send", "", "message to send to the assistant")
	listen := flag.Bool("listen", false, "print result notifications from the WebSocket")
	timeout := flag.Duration("timeout", 2*time.Minute, "how long to wait for a result")
	helpPtr := flag.Bool("help", false, "Show usage information")

	flag.Parse()

	if *helpPtr || (*send == "" && !*listen) {
		fmt.Println("relayctl usage:")
		fmt.Println("  -send TEXT    Send TEXT to the assistant and wait for the reply")
		fmt.Println("  -chat ID      Chat to use with -send (default: start a new one)")
		fmt.Println("  -listen       Print result notifications pushed over the WebSocket")
		fmt.Println("  -url, -email, -password, -timeout")
		fmt.Println("Credentials default to BRAIN_EMAIL and BRAIN_PASSWORD.")
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c := newClient(*baseURL)
	if err := c.login(ctx, *email, *password); err != nil {
		log.Fatalf("Login failed: %v", err)
	}

	if *send != "" {
		if err := sendAndWait(ctx, c, *chatID, *send, *timeout); err != nil {
			log.Fatalf("Send failed: %v", err)
		}
	}

	if *listen {
		log.Println("Listening for results. Press Ctrl+C to exit...")
		err := c.listen(ctx, func(n notification) bool {
			fmt.Printf("%s %s %s\n", n.CorrelationID, n.Kind, n.Status)
			return true
		})
		if err != nil && ctx.Err() == nil {
			log.Fatalf("Listener stopped: %v", err)
		}
	}
}

func sendAndWait(ctx context.Context, c *client, chatID, text string, timeout time.Duration) error {
	if chatID == "" {
		id, err := c.startChat(ctx, "")
		if err != nil {
			return err
		}
		chatID = id
		fmt.Printf("Started chat %s\n", chatID)
	}

	id, err := c.sendMessage(ctx, chatID, text)
	if err != nil {
		return err
	}
	fmt.Printf("Queued as %s\n", id)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	view, err := c.wait(waitCtx, id, 500*time.Millisecond)
	if err != nil {
		return err
	}

	switch view.Status {
	case "completed":
		var reply struct {
			Response        string `json:"response"`
			DetectedEmotion string `json:"detectedEmotion"`
		}
		if err := decodeRaw(view.Result, &reply); err != nil {
			return err
		}
		fmt.Printf("Assistant (%s): %s\n", reply.DetectedEmotion, reply.Response)
		return nil
	case "failed":
		return fmt.Errorf("request failed: %s: %s", view.Error.Code, view.Error.Message)
	default:
		return fmt.Errorf("request ended as %s", view.Status)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
