// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command rpcinspect dials an lsprpc peer as a passive client and renders
// a live bubbletea view of its own Connection.Snapshot(): the
// pending-response table, inbound-handling table, and progress-subscriber
// table, so a developer can watch the connection's state evolve in real
// time instead of reading trace log lines one at a time.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/lsprpc/conn"
	"github.com/AleutianAI/lsprpc/jsonrpc2"
	"github.com/AleutianAI/lsprpc/pkg/logging"
	"github.com/AleutianAI/lsprpc/ral"
)

var (
	flagTransport string
	flagAddress   string
)

func main() {
	cmd := &cobra.Command{
		Use:   "rpcinspect",
		Short: "Attach to an lsprpc peer and watch its Connection state live",
		RunE:  run,
	}
	cmd.Flags().StringVar(&flagTransport, "transport", "tcp", "transport to dial; only tcp is supported")
	cmd.Flags().StringVar(&flagAddress, "address", "127.0.0.1:7700", "address to dial")
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "rpcinspect:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	// The TUI owns the terminal, so diagnostics go to a log file instead
	// of stderr.
	logger := logging.New(logging.Config{
		Level:   logging.LevelInfo,
		Service: "rpcinspect",
		Quiet:   true,
		LogDir:  os.TempDir(),
	})
	defer logger.Close()

	rt, pair, closeFn, err := dial(logger)
	if err != nil {
		return err
	}
	defer closeFn()

	reader := jsonrpc2.NewReader(pair.Reader, rt.ContentTypeCodec())
	writer := jsonrpc2.NewWriter(pair.Writer, rt.ContentTypeCodec(), nil)
	c := conn.New(reader, writer, conn.WithRuntime(rt), conn.WithLogger(logger))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Listen(ctx); err != nil {
		logger.Error("rpcinspect: listen failed", "error", err)
		return fmt.Errorf("rpcinspect: listen: %w", err)
	}
	defer c.Dispose()

	logger.Info("rpcinspect: attached", "address", flagAddress)
	program := tea.NewProgram(newModel(c))
	_, err = program.Run()
	return err
}

func dial(logger *logging.Logger) (ral.Runtime, ral.StreamPair, func(), error) {
	switch flagTransport {
	case "tcp":
		rt := ral.NewNativeRuntimeWithLogger(logger)
		pair, err := rt.DialStreams("tcp", flagAddress)
		if err != nil {
			return nil, ral.StreamPair{}, func() {}, err
		}
		return rt, pair, func() { pair.Close() }, nil
	default:
		return nil, ral.StreamPair{}, func() {}, fmt.Errorf("rpcinspect: unsupported transport %q (dial only supports tcp)", flagTransport)
	}
}

var headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))

type tickMsg time.Time

type model struct {
	c     *conn.Connection
	table table.Model
}

func newModel(c *conn.Connection) model {
	columns := []table.Column{
		{Title: "Field", Width: 22},
		{Title: "Value", Width: 10},
	}
	t := table.New(table.WithColumns(columns), table.WithHeight(6))
	return model{c: c, table: t}
}

func (m model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		m.table.SetRows(snapshotRows(m.c.Snapshot()))
		return m, tick()
	}
	return m, nil
}

func (m model) View() string {
	return headerStyle.Render("rpcinspect") + "\n\n" + m.table.View() + "\n\n(q to quit)\n"
}

func snapshotRows(s conn.ConnectionSnapshot) []table.Row {
	return []table.Row{
		{"state", s.State},
		{"pending responses", fmt.Sprint(s.PendingResponses)},
		{"inbound handling", fmt.Sprint(s.InboundHandling)},
		{"known cancelled", fmt.Sprint(s.KnownCancelled)},
		{"progress subscribers", fmt.Sprint(s.ProgressSubscribers)},
	}
}
