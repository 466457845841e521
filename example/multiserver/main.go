// Command multiserver runs two in-process MCP servers and drives the client
// runtime against both: connect, namespaced tool discovery, direct and queued
// tool calls, cached resource reads, and a health report.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/agentrun/mcpclient"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run() error {
	inventory := newDemoServer("inventory")
	inventory.addTool(mcpclient.Tool{
		Name:        "grant_item",
		Description: "Grant an item to a player",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"player": {"type": "string"},
				"item": {"type": "string"}
			},
			"required": ["player", "item"]
		}`),
	}, func(args map[string]any) string {
		return fmt.Sprintf("granted %v to %v", args["item"], args["player"])
	})
	inventory.addTool(mcpclient.Tool{Name: "status"}, func(map[string]any) string {
		return "inventory ok"
	})
	inventory.addResource(mcpclient.Resource{
		URI:      "db://inventory/items",
		Name:     "items",
		MimeType: "application/json",
	}, `[{"item":"sword","count":3}]`)

	telemetry := newDemoServer("telemetry")
	telemetry.addTool(mcpclient.Tool{
		Name:        "record_event",
		Description: "Record a gameplay event",
	}, func(args map[string]any) string {
		return fmt.Sprintf("recorded %v", args["event"])
	})
	telemetry.addTool(mcpclient.Tool{Name: "status"}, func(map[string]any) string {
		return "telemetry ok"
	})

	inventoryURL, err := inventory.start()
	if err != nil {
		return err
	}
	defer inventory.stop()
	telemetryURL, err := telemetry.start()
	if err != nil {
		return err
	}
	defer telemetry.stop()

	cli := mcpclient.NewClient(
		mcpclient.WithClientInfo(mcpclient.Info{Name: "multiserver-demo", Version: "0.1.0"}),
		mcpclient.WithClientLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		}))),
		mcpclient.WithClientHeartbeat(5*time.Second, 2*time.Second),
		mcpclient.WithClientResourceCacheTTL(30*time.Second),
	)
	if err := cli.Start(); err != nil {
		return err
	}
	defer cli.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	servers := []struct {
		name     string
		endpoint string
	}{
		{"inventory", inventoryURL},
		{"telemetry", telemetryURL},
	}
	for _, srv := range servers {
		sess, err := cli.Connect(ctx, srv.name, srv.endpoint)
		if err != nil {
			return fmt.Errorf("connect %s: %w", srv.name, err)
		}
		fmt.Printf("connected to %s (%s %s)\n", srv.name, sess.ServerInfo().Name, sess.ProtocolVersion())
	}

	fmt.Println("\nDiscovered tools:")
	for _, tool := range cli.Tools() {
		fmt.Printf("  %s\n", tool.Namespaced())
	}

	// A direct call against a named server.
	result, err := cli.CallTool(ctx, "inventory", "grant_item", map[string]any{
		"player": "p1", "item": "shield",
	})
	if err != nil {
		return fmt.Errorf("call grant_item: %w", err)
	}
	fmt.Printf("\ngrant_item: %s\n", result.Content[0].Text)

	// A bare name owned by one server resolves; an ambiguous one does not.
	if _, err := cli.ExecuteTool(ctx, "record_event", map[string]any{"event": "login"}); err != nil {
		return fmt.Errorf("execute record_event: %w", err)
	}
	if _, err := cli.ExecuteTool(ctx, "status", nil); err != nil {
		fmt.Printf("status is ambiguous as expected: %v\n", err)
	}
	result, err = cli.ExecuteTool(ctx, "telemetry.status", nil)
	if err != nil {
		return fmt.Errorf("execute telemetry.status: %w", err)
	}
	fmt.Printf("telemetry.status: %s\n", result.Content[0].Text)

	// Second read is served from cache; no extra round trip.
	for i := 0; i < 2; i++ {
		data, mimeType, err := cli.ReadResource(ctx, "db://inventory/items", true)
		if err != nil {
			return fmt.Errorf("read resource: %w", err)
		}
		fmt.Printf("items (%s): %s\n", mimeType, data)
	}

	// Queued execution: the dispatcher picks the message up and settles the
	// completion handle.
	pending, err := cli.SubmitCall("inventory", "grant_item", map[string]any{
		"player": "p2", "item": "potion",
	}, mcpclient.PriorityHigh, time.Minute, 2)
	if err != nil {
		return fmt.Errorf("submit call: %w", err)
	}
	resp, err := pending.Wait(ctx)
	if err != nil {
		return fmt.Errorf("queued call: %w", err)
	}
	var queued mcpclient.CallToolResult
	if err := json.Unmarshal(resp.Result, &queued); err != nil {
		return err
	}
	fmt.Printf("queued grant_item: %s\n", queued.Content[0].Text)

	report := cli.HealthReport()
	fmt.Println("\nHealth report:")
	for _, server := range report.Servers {
		fmt.Printf("  %s: healthy=%v session=%s breaker=%s\n",
			server.Server, server.Healthy(), server.SessionState, server.Connection.BreakerState)
	}
	fmt.Printf("  tools=%d resources=%d cached=%d\n",
		report.TotalTools, report.TotalResources, report.CachedEntries)

	return cli.DisconnectAll(ctx)
}
