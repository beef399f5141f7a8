// Package main implements modcachectl, a thin client for the modcached
// control API, adapted from this codebase's own cmd/beenet command-switch
// CLI shape.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"time"
)

// Build-time variables set by ldflags.
var (
	version    = "dev"
	buildTime  = "unknown"
	commitHash = "unknown"
)

type request struct {
	Method string                 `json:"method"`
	ID     string                 `json:"id"`
	Params map[string]interface{} `json:"params,omitempty"`
}

type response struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	switch command {
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		printUsage()
	case "stats":
		if err := statsCommand(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "block":
		if err := blockCommand(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "details":
		if err := detailsCommand(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "shutdown":
		if err := shutdownCommand(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("modcachectl %s\n", version)
	fmt.Printf("Built: %s\n", buildTime)
	fmt.Printf("Commit: %s\n", commitHash)
}

func printUsage() {
	fmt.Printf(`modcachectl v%s - control client for the distributed cache core daemon

Usage:
  modcachectl <command> [options]

Commands:
  stats               Show active shares, uploaded bytes, connected sources
  details <key>       Show diagnostic details for a shared resource
  block <id> <reason> Block a ContentId
  shutdown            Gracefully stop the daemon
  version             Show version information
  help                Show this help message

Options (accepted by stats and shutdown; details and block do not accept them):
  -addr <host:port>   Daemon control address (default 127.0.0.1:4780)
`, version)
}

func dial() (net.Conn, func(), error) {
	fs := flag.NewFlagSet("modcachectl", flag.ContinueOnError)
	addr := fs.String("addr", "127.0.0.1:4780", "daemon control address")
	_ = fs.Parse(os.Args[2:])

	conn, err := net.DialTimeout("tcp", *addr, 5*time.Second)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to %s: %w", *addr, err)
	}
	return conn, func() { conn.Close() }, nil
}

func call(req request) (response, error) {
	conn, closeFn, err := dial()
	if err != nil {
		return response{}, err
	}
	defer closeFn()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return response{}, fmt.Errorf("sending request: %w", err)
	}

	var resp response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return response{}, fmt.Errorf("reading response: %w", err)
	}
	if resp.Error != "" {
		return response{}, fmt.Errorf("daemon error: %s", resp.Error)
	}
	return resp, nil
}

func statsCommand() error {
	resp, err := call(request{Method: "GetStats", ID: "stats"})
	if err != nil {
		return err
	}
	result, _ := resp.Result.(map[string]interface{})
	fmt.Printf(
		"active_shares=%v total_uploaded=%v connected_sources=%v\n",
		result["active_shares"], result["total_uploaded"], result["connected_sources"],
	)
	return nil
}

func detailsCommand() error {
	args := os.Args[2:]
	if len(args) < 1 {
		return fmt.Errorf("usage: modcachectl details <key>")
	}
	resp, err := call(request{
		Method: "GetSharedResourceDetails",
		ID:     "details",
		Params: map[string]interface{}{"key": args[0]},
	})
	if err != nil {
		return err
	}
	fmt.Println(resp.Result)
	return nil
}

func blockCommand() error {
	args := os.Args[2:]
	if len(args) < 2 {
		return fmt.Errorf("usage: modcachectl block <content_id> <reason>")
	}
	_, err := call(request{
		Method: "BlockContentId",
		ID:     "block",
		Params: map[string]interface{}{"content_id": args[0], "reason": args[1]},
	})
	if err != nil {
		return err
	}
	fmt.Println("blocked")
	return nil
}

func shutdownCommand() error {
	_, err := call(request{Method: "Shutdown", ID: "shutdown"})
	if err != nil {
		return err
	}
	fmt.Println("shutdown initiated")
	return nil
}
