package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/Tyrowin/relaychat/internal/protocol"
)

const helpText = `Commands:
  /help          show this help
  /stats         request server statistics
  /cachetest N   send N numbered cache-test messages
  /quit, /exit   leave the chat`

const maxCacheTest = 1000

type sender interface {
	SendText(text string) error
	SendCacheTest(text string) error
	RequestStatus() error
}

// handleLine runs one line of user input. It reports whether the user asked
// to quit.
func handleLine(s sender, line string, out io.Writer) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, s.SendText(line)
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(out, helpText)
		return false, nil
	case "/stats":
		return false, s.RequestStatus()
	case "/cachetest":
		if len(fields) != 2 {
			return false, fmt.Errorf("usage: /cachetest N")
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil || n <= 0 || n > maxCacheTest {
			return false, fmt.Errorf("N must be between 1 and %d", maxCacheTest)
		}
		for i := 1; i <= n; i++ {
			if err := s.SendCacheTest(fmt.Sprintf("cache test message %d", i)); err != nil {
				return false, err
			}
		}
		fmt.Fprintf(out, "sent %d cache-test messages\n", n)
		return false, nil
	default:
		return false, fmt.Errorf("unknown command %s, try /help", fields[0])
	}
}

func formatMessage(msg protocol.Message) string {
	switch {
	case msg.Sender == protocol.ServerSender:
		return msg.Payload
	case msg.Kind == protocol.KindJoin, msg.Kind == protocol.KindLeave:
		return "*** " + msg.Payload + " ***"
	case msg.Kind == protocol.KindCacheTest:
		return fmt.Sprintf("[%s] (cache-test) %s", msg.Sender, msg.Payload)
	default:
		return fmt.Sprintf("[%s] %s", msg.Sender, msg.Payload)
	}
}
