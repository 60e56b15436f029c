package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/kestrel-iot/shadowd/internal/config"
	"github.com/kestrel-iot/shadowd/internal/reconcile"
	"github.com/kestrel-iot/shadowd/internal/shadow"
)

func main() {
	addr := flag.String("addr", "", "admin API address, host:port or URL")
	configPath := flag.String("config", "", "shadowctl config path")
	timeout := flag.Duration("timeout", 0, "request timeout")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage(os.Stderr)
		os.Exit(2)
	}

	cfg := defaultClientConfig()
	if *configPath != "" {
		loaded, err := loadClientConfig(*configPath)
		if err != nil {
			fatalf("%v", err)
		}
		cfg = loaded
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *timeout > 0 {
		cfg.Timeout = *timeout
	}

	client := newAdminClient(cfg)

	var err error
	switch cmd := args[0]; cmd {
	case "health":
		err = runHealth(os.Stdout, client)
	case "status":
		err = runStatus(os.Stdout, client)
	case "shadow":
		err = runShadow(os.Stdout, client)
	case "trigger":
		err = runTrigger(os.Stdout, client)
	case "resync":
		err = runResync(os.Stdout, client)
	case "init":
		err = runInit(os.Stdout, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "shadowctl: unknown command %q\n\n", cmd)
		printUsage(os.Stderr)
		os.Exit(2)
	}
	if err != nil {
		fatalf("%v", err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "shadowctl: "+format+"\n", args...)
	os.Exit(1)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: shadowctl [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  health    agent identity and uptime")
	fmt.Fprintln(w, "  status    reconciliation loop status")
	fmt.Fprintln(w, "  shadow    current desired-state document")
	fmt.Fprintln(w, "  trigger   request an immediate reconciliation pass")
	fmt.Fprintln(w, "  resync    republish documents and request the cloud's latest")
	fmt.Fprintln(w, "  init      write an agent config template")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "flags:")
	flag.PrintDefaults()
}

// adminClient talks to one agent's admin API.
type adminClient struct {
	base string
	http *http.Client
}

func newAdminClient(cfg clientConfig) *adminClient {
	return &adminClient{
		base: baseURL(cfg.Addr),
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// baseURL accepts a bare host:port or a full URL.
func baseURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/")
}

func (c *adminClient) getJSON(path string, out any) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return fmt.Errorf("admin request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(path, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *adminClient) post(path string) error {
	resp, err := c.http.Post(c.base+path, "application/json", nil)
	if err != nil {
		return fmt.Errorf("admin request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return apiError(path, resp)
	}
	return nil
}

// apiError folds the handler's error body into the returned error when one
// is present.
func apiError(path string, resp *http.Response) error {
	var body struct {
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		if body.Error != "" {
			return fmt.Errorf("admin %s: %s (%s)", path, resp.Status, body.Error)
		}
		if body.Reason != "" {
			return fmt.Errorf("admin %s: %s (%s)", path, resp.Status, body.Reason)
		}
	}
	return fmt.Errorf("admin %s: %s", path, resp.Status)
}

type healthResponse struct {
	Status  string `json:"status"`
	Shadow  string `json:"shadow"`
	Device  string `json:"device"`
	Uptime  string `json:"uptime"`
	Version string `json:"version"`
}

type shadowResponse struct {
	Version uint64          `json:"version"`
	Desired shadow.Document `json:"desired"`
}

func runHealth(w io.Writer, client *adminClient) error {
	var health healthResponse
	if err := client.getJSON("/health", &health); err != nil {
		return err
	}
	fmt.Fprintf(w, "agent:  %s (%s)\n", health.Status, health.Version)
	fmt.Fprintf(w, "shadow: %s\n", health.Shadow)
	fmt.Fprintf(w, "device: %s\n", health.Device)
	fmt.Fprintf(w, "uptime: %s\n", health.Uptime)
	return nil
}

func runStatus(w io.Writer, client *adminClient) error {
	var status reconcile.Status
	if err := client.getJSON("/status", &status); err != nil {
		return err
	}
	renderStatus(w, status)
	return nil
}

func renderStatus(w io.Writer, status reconcile.Status) {
	fmt.Fprintf(w, "desired version: %d\n", status.DesiredVersion)
	fmt.Fprintf(w, "passes:          %d\n", status.Passes)
	last := status.LastOutcome
	fmt.Fprintf(w, "last pass:       trigger=%s steps=%d applied=%d duration=%s\n",
		last.Trigger, last.PlanSteps, last.Applied, last.Duration)
	if status.LastError != "" {
		fmt.Fprintf(w, "last error:      %s\n", status.LastError)
	}
	if len(status.Observed) == 0 {
		fmt.Fprintln(w, "observed:        none")
		return
	}
	fmt.Fprintln(w, "observed:")
	for _, e := range status.Observed {
		fmt.Fprintf(w, "  %-24s %-10s %s\n", e.Name, e.Status, e.RuntimeID)
	}
}

func runShadow(w io.Writer, client *adminClient) error {
	var resp shadowResponse
	if err := client.getJSON("/shadow", &resp); err != nil {
		return err
	}
	out, err := json.MarshalIndent(resp.Desired, "", "  ")
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	fmt.Fprintln(w, string(out))
	return nil
}

func runTrigger(w io.Writer, client *adminClient) error {
	if err := client.post("/reconcile"); err != nil {
		return err
	}
	fmt.Fprintln(w, "reconciliation pass triggered")
	return nil
}

func runResync(w io.Writer, client *adminClient) error {
	if err := client.post("/resync"); err != nil {
		return err
	}
	fmt.Fprintln(w, "resync requested")
	return nil
}

func runInit(w io.Writer, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	output := fs.String("output", "/etc/shadowd/config.toml", "output path for the config template")
	force := fs.Bool("force", false, "overwrite an existing config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := config.WriteTemplate(*output, "agent", *force); err != nil {
		return err
	}
	fmt.Fprintf(w, "wrote agent config template to %s\n", *output)
	return nil
}
