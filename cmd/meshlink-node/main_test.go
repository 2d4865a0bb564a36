package main

import (
	"context"
	"strings"
	"testing"
)

func TestChatLoopQuitCommand(t *testing.T) {
	var quits int
	// the node is never reached: /quit is handled before any line is sent
	chatLoop(context.Background(), nil, nil, strings.NewReader("\n/quit\nhello\n"), func() { quits++ })

	if quits != 1 {
		t.Fatalf("quit called %d times, want 1", quits)
	}
}

func TestRunCommandQuit(t *testing.T) {
	if !runCommand(context.Background(), nil, "/quit") {
		t.Error("runCommand(/quit) = false, want true")
	}
}
