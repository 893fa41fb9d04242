// Command panelclient is a terminal side panel: it connects to /ws/panel and
// drives the recording session from the keyboard.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/satriahrh/tabscribe/internal/auth"
	"github.com/satriahrh/tabscribe/internal/panel"
)

func main() {
	_ = godotenv.Load()

	server := flag.String("server", "localhost:8080", "orchestrator host:port")
	secret := flag.String("secret", os.Getenv("EXTENSION_SECRET"), "extension secret used to obtain a token")
	exportDir := flag.String("export-dir", ".", "directory exported transcripts are written to")
	flag.Parse()

	clientID := "panel-" + uuid.NewString()[:8]
	dial := func() (panel.Conn, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		token, err := auth.RequestToken(ctx, nil, "http://"+*server, clientID, auth.RolePanel, *secret)
		if err != nil {
			return nil, err
		}
		return panel.Dial(*server, token.Token)
	}

	p := tea.NewProgram(panel.New(dial, *exportDir), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "panel: %v\n", err)
		os.Exit(1)
	}
}
