// Command intercomctl is a scriptable CLI client for intercomd's Unix
// domain control socket.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
)

type request map[string]any

type response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	State string `json:"state"`
}

func main() {
	var sockPath string
	pflag.StringVar(&sockPath, "socket", "/run/intercomd.sock", "path to intercomd's control socket")
	pflag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: false})

	args := pflag.Args()
	if len(args) == 0 {
		logger.Error("usage: intercomctl [--socket path] <command> [args...]")
		os.Exit(2)
	}

	req, err := buildRequest(args, logger)
	if err != nil {
		logger.Error("bad command", "error", err)
		os.Exit(2)
	}

	resp, err := send(sockPath, req)
	if err != nil {
		logger.Error("request failed", "error", err)
		os.Exit(1)
	}

	if !resp.OK {
		logger.Error("command rejected", "error", resp.Error)
		os.Exit(1)
	}
	if resp.State != "" {
		logger.Info("ok", "state", resp.State)
	} else {
		logger.Info("ok")
	}
}

func buildRequest(args []string, logger *log.Logger) (request, error) {
	cmd := args[0]
	rest := args[1:]
	switch cmd {
	case "start", "stop", "answer", "decline", "toggle", "disconnect",
		"next-contact", "prev-contact", "status":
		return request{"cmd": wireCmdName(cmd)}, nil
	case "connect-to":
		if len(rest) != 2 {
			return nil, fmt.Errorf("connect-to requires <host> <port>")
		}
		port, err := strconv.Atoi(rest[1])
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", rest[1], err)
		}
		return request{"cmd": "connect_to", "host": rest[0], "port": port}, nil
	case "set-volume":
		if len(rest) != 1 {
			return nil, fmt.Errorf("set-volume requires <0..1>")
		}
		v, err := strconv.ParseFloat(rest[0], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid volume %q: %w", rest[0], err)
		}
		return request{"cmd": "set_volume", "value": v}, nil
	case "set-mic-gain-db":
		if len(rest) != 1 {
			return nil, fmt.Errorf("set-mic-gain-db requires <-20..20>")
		}
		v, err := strconv.ParseFloat(rest[0], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid gain %q: %w", rest[0], err)
		}
		return request{"cmd": "set_mic_gain_db", "value": v}, nil
	case "set-auto-answer", "set-aec-enabled":
		if len(rest) != 1 {
			return nil, fmt.Errorf("%s requires <true|false>", cmd)
		}
		b, err := strconv.ParseBool(rest[0])
		if err != nil {
			return nil, fmt.Errorf("invalid bool %q: %w", rest[0], err)
		}
		return request{"cmd": wireCmdName(cmd), "bool": b}, nil
	case "set-ringing-timeout":
		if len(rest) != 1 {
			return nil, fmt.Errorf("set-ringing-timeout requires <ms>")
		}
		ms, err := strconv.ParseInt(rest[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid ms %q: %w", rest[0], err)
		}
		return request{"cmd": "set_ringing_timeout", "ms": ms}, nil
	case "set-contacts":
		if len(rest) != 1 {
			return nil, fmt.Errorf("set-contacts requires <path-to-csv>")
		}
		data, err := os.ReadFile(rest[0])
		if err != nil {
			return nil, fmt.Errorf("read contacts file: %w", err)
		}
		return request{"cmd": "set_contacts", "csv": string(data)}, nil
	default:
		logger.Warn("unrecognized command, forwarding as-is", "cmd", cmd)
		return request{"cmd": cmd}, nil
	}
}

func wireCmdName(cliName string) string {
	switch cliName {
	case "next-contact":
		return "next_contact"
	case "prev-contact":
		return "prev_contact"
	case "set-auto-answer":
		return "set_auto_answer"
	case "set-aec-enabled":
		return "set_aec_enabled"
	default:
		return cliName
	}
}

func send(sockPath string, req request) (response, error) {
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		return response{}, fmt.Errorf("dial %s: %w", sockPath, err)
	}
	defer conn.Close()

	data, err := json.Marshal(req)
	if err != nil {
		return response{}, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return response{}, fmt.Errorf("write request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return response{}, fmt.Errorf("read response: %w", err)
		}
		return response{}, fmt.Errorf("connection closed with no response")
	}
	var resp response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return response{}, fmt.Errorf("parse response: %w", err)
	}
	return resp, nil
}
