// Command ordercorectl is a thin CLI over the Order Management Core's ops
// HTTP surface (internal/httpapi). It never talks to the database or broker
// directly — every subcommand is one authenticated HTTP call.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	addr := fs.String("addr", envOr("ORDERCTL_ADDR", "http://localhost:8080"), "ops API base URL")
	username := fs.String("username", envOr("ORDERCTL_USERNAME", "admin"), "admin username")
	password := fs.String("password", os.Getenv("ORDERCTL_PASSWORD"), "admin password")
	totp := fs.String("totp", os.Getenv("ORDERCTL_TOTP_CODE"), "current TOTP code, if configured")

	cmd := os.Args[1]
	args := os.Args[2:]
	fs.Parse(args)

	c := &client{baseURL: *addr}

	var err error
	switch cmd {
	case "status":
		err = c.login(*username, *password, *totp)
		if err == nil {
			err = c.getJSON("/admin/orders/count-by-status", nil)
		}
	case "failed":
		err = c.login(*username, *password, *totp)
		if err == nil {
			err = c.getJSON("/admin/orders/failed", nil)
		}
	case "inspect":
		if fs.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "usage: ordercorectl inspect <command_id>")
			os.Exit(1)
		}
		err = c.login(*username, *password, *totp)
		if err == nil {
			err = c.getJSON("/admin/orders/"+fs.Arg(0), nil)
		}
	case "entry":
		err = c.strategyAction(*username, *password, *totp, "entry", requireArg(fs, "ordercorectl entry <strategy_name>"))
	case "adjust":
		err = c.strategyAction(*username, *password, *totp, "adjust", requireArg(fs, "ordercorectl adjust <strategy_name>"))
	case "exit":
		name := requireArg(fs, "ordercorectl exit <strategy_name> [reason]")
		reason := "operator_requested"
		if fs.NArg() > 1 {
			reason = fs.Arg(1)
		}
		err = c.login(*username, *password, *totp)
		if err == nil {
			err = c.postJSON("/admin/strategies/"+name+"/exit", map[string]string{"reason": reason}, nil)
		}
	case "force-exit":
		if fs.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "usage: ordercorectl force-exit <reason>")
			os.Exit(1)
		}
		err = c.login(*username, *password, *totp)
		if err == nil {
			err = c.postJSON("/admin/force-exit", map[string]string{"reason": fs.Arg(0)}, nil)
		}
	case "flatten":
		if fs.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "usage: ordercorectl flatten <reason>")
			os.Exit(1)
		}
		err = c.login(*username, *password, *totp)
		if err == nil {
			err = c.postJSON("/admin/flatten", map[string]interface{}{"all": true, "reason": fs.Arg(0)}, nil)
		}
	case "stop":
		err = c.login(*username, *password, *totp)
		if err == nil {
			err = c.postJSON("/admin/lifecycle/stop", nil, nil)
		}
	case "reload":
		err = c.login(*username, *password, *totp)
		if err == nil {
			err = c.postJSON("/admin/lifecycle/reload", nil, nil)
		}
	case "healthz":
		err = c.getJSON("/healthz", nil)
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "ordercorectl:", err)
		os.Exit(1)
	}
}

func requireArg(fs *flag.FlagSet, usageStr string) string {
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage:", usageStr)
		os.Exit(1)
	}
	return fs.Arg(0)
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: ordercorectl [-addr url] [-username name] [-password pw] [-totp code] <command> [args]

commands:
  status                      order counts grouped by status
  failed                      list orders currently in FAILED
  inspect <command_id>        show one order record
  entry <strategy_name>       request entry for a strategy
  adjust <strategy_name>      trigger an adjustment evaluation
  exit <strategy_name> [why]  exit one strategy's open legs
  force-exit <reason>         kill switch: exit every open position
  flatten <reason>            exit every open position (ops API form)
  stop                        stop the trading facade
  reload                      acknowledge a config reload
  healthz                     unauthenticated liveness check`)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// client is a minimal authenticated HTTP client for the ops API: one bearer
// token obtained via login, reused for every subsequent call in the process.
type client struct {
	baseURL string
	token   string
	http    http.Client
}

func (c *client) strategyAction(username, password, totpCode, action, name string) error {
	if err := c.login(username, password, totpCode); err != nil {
		return err
	}
	return c.postJSON(fmt.Sprintf("/admin/strategies/%s/%s", name, action), nil, nil)
}

func (c *client) login(username, password, totpCode string) error {
	var resp struct {
		Token string `json:"token"`
	}
	body := map[string]string{"username": username, "password": password}
	if totpCode != "" {
		body["totp_code"] = totpCode
	}
	if err := c.postJSON("/admin/login", body, &resp); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	c.token = resp.Token
	return nil
}

func (c *client) getJSON(path string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *client) postJSON(path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *client) do(req *http.Request, out interface{}) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Close = true

	hc := c.http
	hc.Timeout = 15 * time.Second

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s: %s", req.Method, req.URL.Path, resp.Status, string(raw))
	}

	if out != nil {
		return json.Unmarshal(raw, out)
	}
	if len(raw) > 0 {
		var pretty bytes.Buffer
		if json.Indent(&pretty, raw, "", "  ") == nil {
			fmt.Println(pretty.String())
		} else {
			fmt.Println(string(raw))
		}
	}
	return nil
}
