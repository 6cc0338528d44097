// Command hostsentryctl talks to a running hostsentry daemon over its JSON
// API: system status, per-agent stats, recent bus traffic, persisted records,
// and command injection.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/fatih/color"

	"github.com/hostsentry/hostsentry/internal/agent"
	"github.com/hostsentry/hostsentry/internal/bus"
	"github.com/hostsentry/hostsentry/internal/orchestrator"
	"github.com/hostsentry/hostsentry/internal/store"
	"github.com/hostsentry/hostsentry/internal/web"
)

const usage = `Usage: hostsentryctl [-addr host:port] <command>

Commands:
  status              System summary: health, uptime, bus counters
  agents              Per-agent counters and health
  messages [n]        Recent bus messages (default 20)
  records <category> [n]
                      Persisted records: metrics, alert, remediation, notice
  command <cmd> [target]
                      Send a system command (status, health_check, restart)
                      to one agent or "all" (default)
`

func main() {
	addr := flag.String("addr", "127.0.0.1:8090", "hostsentry daemon address")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	c := &client{base: "http://" + *addr, http: &http.Client{Timeout: 10 * time.Second}}

	var err error
	switch args[0] {
	case "status":
		err = c.status()
	case "agents":
		err = c.agents()
	case "messages":
		err = c.messages(optionalInt(args, 1, 20))
	case "records":
		if len(args) < 2 {
			flag.Usage()
			os.Exit(2)
		}
		err = c.records(args[1], optionalInt(args, 2, 20))
	case "command":
		if len(args) < 2 {
			flag.Usage()
			os.Exit(2)
		}
		target := bus.TargetAll
		if len(args) > 2 {
			target = args[2]
		}
		err = c.command(args[1], target)
	default:
		flag.Usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func optionalInt(args []string, idx, fallback int) int {
	if len(args) > idx {
		if n, err := strconv.Atoi(args[idx]); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

type client struct {
	base string
	http *http.Client
}

func (c *client) get(path string, out any) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) status() error {
	var info orchestrator.SystemInfo
	if err := c.get("/api/v1/system", &info); err != nil {
		return err
	}

	state := color.RedString("stopped")
	if info.Running {
		state = color.GreenString("running")
	}
	fmt.Printf("State:     %s\n", state)
	fmt.Printf("Health:    %s\n", healthString(info.Health))
	fmt.Printf("Uptime:    %s\n", info.Uptime.Round(time.Second))
	fmt.Printf("Agents:    %d\n", info.Agents)
	fmt.Printf("Restarts:  %d\n", info.Restarts)
	fmt.Printf("Bus:       %d published, %d dropped, %d handler failures\n",
		info.Bus.Published, info.Bus.Dropped, info.Bus.HandlerFailures)
	return nil
}

func (c *client) agents() error {
	var stats map[string]agent.Stats
	if err := c.get("/api/v1/agents", &stats); err != nil {
		return err
	}
	if len(stats) == 0 {
		fmt.Println("No agents.")
		return nil
	}

	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	cyan := color.New(color.FgCyan)
	for _, name := range names {
		s := stats[name]
		cyan.Printf("%s\n", name)
		fmt.Printf("  health: %s  checks: %d  ok: %d  errors: %d  avg: %s\n",
			healthString(s.Health), s.CheckCount, s.SuccessCount, s.ErrorCount,
			s.AvgCheckTime.Round(time.Millisecond))
		if s.LastError != "" {
			fmt.Printf("  last error: %s\n", color.YellowString(s.LastError))
		}
		for _, issue := range s.Issues {
			fmt.Printf("  issue [%s]: %s\n", issue.Severity, issue.Description)
		}
	}
	return nil
}

func (c *client) messages(n int) error {
	var msgs []bus.Message
	if err := c.get("/api/v1/messages?limit="+strconv.Itoa(n), &msgs); err != nil {
		return err
	}
	if len(msgs) == 0 {
		fmt.Println("No messages.")
		return nil
	}
	for _, m := range msgs {
		fmt.Printf("%s %s %-20s %s\n",
			color.HiBlackString(m.Timestamp.Format("15:04:05")),
			priorityString(m.Priority),
			m.Type,
			m.Sender)
	}
	return nil
}

func (c *client) records(category string, n int) error {
	var records []store.Record
	path := "/api/v1/records?category=" + url.QueryEscape(category) + "&limit=" + strconv.Itoa(n)
	if err := c.get(path, &records); err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No records.")
		return nil
	}
	for _, r := range records {
		fmt.Printf("%s %-12s %-18s %s\n",
			color.HiBlackString(r.Timestamp.Format("15:04:05")),
			r.Category, r.Agent, string(r.Payload))
	}
	return nil
}

func (c *client) command(cmd, target string) error {
	body, err := json.Marshal(web.CommandRequest{Command: cmd, Target: target})
	if err != nil {
		return err
	}
	resp, err := c.http.Post(c.base+"/api/v1/command", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	fmt.Printf("Sent %q to %s\n", cmd, target)
	return nil
}

func healthString(h string) string {
	switch h {
	case agent.HealthHealthy:
		return color.GreenString(h)
	case agent.HealthWarning:
		return color.YellowString(h)
	case agent.HealthCritical:
		return color.New(color.FgRed, color.Bold).Sprint(h)
	default:
		return color.HiBlackString(h)
	}
}

func priorityString(p bus.Priority) string {
	s := fmt.Sprintf("%-9s", p.String())
	switch {
	case p >= bus.PriorityCritical:
		return color.RedString(s)
	case p == bus.PriorityHigh:
		return color.YellowString(s)
	default:
		return s
	}
}
