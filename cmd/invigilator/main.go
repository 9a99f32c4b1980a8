package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "Base URL of the proctoring service")
	apiKey := flag.String("api-key", os.Getenv("PROCTOR_API_KEY"), "Invigilator API key")
	unit := flag.String("unit", "", "Unit to supervise")
	interval := flag.Duration("interval", 2*time.Second, "Refresh interval while the live feed is down")
	flag.Parse()

	if *unit == "" {
		fmt.Fprintln(os.Stderr, "Error: --unit is required")
		os.Exit(2)
	}
	if *interval < 500*time.Millisecond {
		*interval = 500 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())

	api := newAPIClient(strings.TrimRight(*server, "/"), *apiKey)
	p := tea.NewProgram(newModel(ctx, api, *unit, *interval), tea.WithAltScreen())

	_, err := p.Run()
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
