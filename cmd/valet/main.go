// Command valet is the CLI client for the valetd HTTP API.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/valetbot/valet/internal/version"
)

const defaultServer = "http://localhost:8080"

func main() {
	var (
		serverURL = flag.String("server", defaultServer, "valetd server URL")
		token     = flag.String("token", os.Getenv("VALET_TOKEN"), "JWT auth token")
	)
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	cli := &Client{
		BaseURL:    strings.TrimRight(*serverURL, "/"),
		Token:      *token,
		HTTPClient: &http.Client{Timeout: 5 * time.Minute},
	}

	cmd := args[0]
	rest := args[1:]

	var err error
	switch cmd {
	case "version":
		err = cmdVersion(rest)
	case "login":
		err = cli.cmdLogin(rest)
	case "status":
		err = cli.cmdStatus(rest)
	case "tasks":
		err = cli.cmdTasks(rest)
	case "task":
		err = cli.cmdTask(rest)
	case "triggers":
		err = cli.cmdTriggers(rest)
	case "delegations":
		err = cli.cmdDelegations(rest)
	case "say":
		err = cli.cmdSay(rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `valet - CLI client for valetd

Usage:
  valet [flags] <command> [args]

Flags:
  --server  <url>    server URL (default: http://localhost:8080)
  --token   <token>  JWT auth token (or $VALET_TOKEN)

Commands:
  version              print version
  login <user>         obtain a token (prompts on stdin for the password)
  status               show server status
  tasks                list active tasks
  task get <id>        show a task
  task cancel <id>     cancel a task
  triggers             list trigger subscriptions
  delegations          list delegations
  say <text>           send a message to the agent as the owner
`)
}

func cmdVersion(_ []string) error {
	fmt.Printf("valet %s (commit %s, built %s)\n",
		version.Version, version.Commit, version.BuildDate)
	return nil
}

// Client holds HTTP client state for CLI commands.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// get performs a GET and decodes JSON into v.
func (c *Client) get(path string, v any) error {
	req, err := http.NewRequest(http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return c.do(req, v)
}

// post performs a POST with a JSON body and decodes the response into v.
func (c *Client) post(path string, body any, v any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(http.MethodPost, c.BaseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return c.do(req, v)
}

func (c *Client) do(req *http.Request, v any) error {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *Client) cmdLogin(args []string) error {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: valet login <user>")
		os.Exit(1)
	}
	fmt.Fprint(os.Stderr, "password: ")
	var password string
	if _, err := fmt.Scanln(&password); err != nil {
		return fmt.Errorf("read password: %w", err)
	}

	var resp struct {
		Token string `json:"token"`
	}
	if err := c.post("/api/auth/login",
		map[string]string{"username": args[0], "password": password}, &resp); err != nil {
		return err
	}
	fmt.Println(resp.Token)
	return nil
}

func (c *Client) cmdStatus(_ []string) error {
	var result map[string]string
	if err := c.get("/api/status", &result); err != nil {
		return err
	}
	fmt.Printf("version: %s\n", result["version"])
	fmt.Printf("uptime:  %s\n", result["uptime"])
	return nil
}

func (c *Client) cmdTasks(_ []string) error {
	var tasks []map[string]any
	if err := c.get("/api/tasks", &tasks); err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return nil
	}
	title := cases.Title(language.English)
	fmt.Printf("%-10s %-12s %-12s %-18s %s\n", "ID", "KIND", "STATUS", "DUE", "TITLE")
	fmt.Println(strings.Repeat("-", 70))
	for _, t := range tasks {
		fmt.Printf("%-10s %-12s %-12s %-18s %s\n",
			strVal(t["id"]),
			title.String(strVal(t["kind"])),
			strVal(t["status"]),
			dueVal(t["schedule_at"]),
			strVal(t["title"]),
		)
	}
	return nil
}

func (c *Client) cmdTask(args []string) error {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: valet task <get|cancel> <id>")
		os.Exit(1)
	}
	sub, id := args[0], args[1]
	switch sub {
	case "get":
		var t map[string]any
		if err := c.get("/api/tasks/"+id, &t); err != nil {
			return err
		}
		out, _ := json.MarshalIndent(t, "", "  ")
		fmt.Println(string(out))
		return nil
	case "cancel":
		if err := c.post("/api/tasks/"+id+"/cancel", nil, nil); err != nil {
			return err
		}
		fmt.Printf("task %s cancelled\n", id)
		return nil
	default:
		return fmt.Errorf("unknown task subcommand: %s", sub)
	}
}

func (c *Client) cmdTriggers(_ []string) error {
	var subs []map[string]any
	if err := c.get("/api/triggers", &subs); err != nil {
		return err
	}
	if len(subs) == 0 {
		fmt.Println("no subscriptions")
		return nil
	}
	fmt.Printf("%-10s %-14s %s\n", "ID", "TYPE", "CONFIG")
	fmt.Println(strings.Repeat("-", 50))
	for _, s := range subs {
		cfg, _ := json.Marshal(s["config"])
		fmt.Printf("%-10s %-14s %s\n", strVal(s["id"]), strVal(s["type"]), cfg)
	}
	return nil
}

func (c *Client) cmdDelegations(_ []string) error {
	var all []map[string]any
	if err := c.get("/api/delegations", &all); err != nil {
		return err
	}
	if len(all) == 0 {
		fmt.Println("no delegations")
		return nil
	}
	fmt.Printf("%-10s %-12s %-12s %-14s %s\n", "ID", "REQUESTER", "TARGET", "TYPE", "STATUS")
	fmt.Println(strings.Repeat("-", 64))
	for _, d := range all {
		fmt.Printf("%-10s %-12s %-12s %-14s %s\n",
			strVal(d["id"]), strVal(d["requester"]), strVal(d["target"]),
			strVal(d["task_type"]), strVal(d["status"]))
	}
	return nil
}

func (c *Client) cmdSay(args []string) error {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: valet say <text>")
		os.Exit(1)
	}
	var resp struct {
		Buffered bool   `json:"buffered"`
		Text     string `json:"text"`
	}
	if err := c.post("/api/message", map[string]string{
		"identity": "owner",
		"role":     "owner",
		"text":     strings.Join(args, " "),
	}, &resp); err != nil {
		return err
	}
	if resp.Buffered {
		fmt.Println("(busy, message queued for the next turn)")
		return nil
	}
	fmt.Println(resp.Text)
	return nil
}

func strVal(v any) string {
	s, _ := v.(string)
	return s
}

func dueVal(v any) string {
	s, _ := v.(string)
	if s == "" {
		return "-"
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.Local().Format("2006-01-02 15:04")
	}
	return s
}
