// Command client is a small CLI for exercising the broker's session API:
// start a session, query or stream its state, and stop it.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

var (
	brokerAddr = flag.String("broker", "http://localhost:8080", "The broker server address")
	action     = flag.String("action", "start", "One of: start, status, watch, stop")
	user       = flag.String("user", "", "Username to spawn a session for")
	server     = flag.String("server", "", "Optional named-server suffix")
	session    = flag.String("session", "", "Session identifier (for status/watch/stop)")
	zone       = flag.String("zone", "", "Zone override for the cluster")
	locations  = flag.String("config", "", "Comma-separated config template locations")
	timeout    = flag.Duration("timeout", 10*time.Second, "Request timeout (watch is unbounded)")
)

func main() {
	flag.Parse()

	client := &http.Client{}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var err error
	switch *action {
	case "start":
		err = startSession(ctx, client)
	case "status":
		err = getStatus(ctx, client)
	case "watch":
		err = watchEvents(context.Background(), client)
	case "stop":
		err = stopSession(ctx, client)
	default:
		err = fmt.Errorf("unknown action %q", *action)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func startSession(ctx context.Context, client *http.Client) error {
	if *user == "" && *session == "" {
		return fmt.Errorf("-user or -session is required for start")
	}

	body := map[string]interface{}{}
	if *session != "" {
		body["session"] = *session
	} else {
		body["user"] = *user
		if *server != "" {
			body["server"] = *server
		}
	}
	if *zone != "" {
		body["zone"] = *zone
	}
	if *locations != "" {
		body["configLocations"] = strings.Split(*locations, ",")
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		*brokerAddr+"/api/v1/sessions", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("broker rejected the request: %s", readError(resp.Body))
	}

	var ev map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&ev); err != nil {
		return err
	}
	log.Printf("Session accepted:")
	log.Printf("  Session: %v", ev["session"])
	log.Printf("  State:   %v", ev["state"])
	return nil
}

func getStatus(ctx context.Context, client *http.Client) error {
	id, err := sessionID()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		*brokerAddr+"/api/v1/sessions/"+id, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("broker returned %d: %s", resp.StatusCode, readError(resp.Body))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	log.Printf("Session state: %s", raw)
	return nil
}

func watchEvents(ctx context.Context, client *http.Client) error {
	id, err := sessionID()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		*brokerAddr+"/api/v1/sessions/"+id+"/events", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to open event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("broker returned %d: %s", resp.StatusCode, readError(resp.Body))
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			log.Printf("%s", strings.TrimPrefix(line, "data: "))
		}
	}
	return scanner.Err()
}

func stopSession(ctx context.Context, client *http.Client) error {
	id, err := sessionID()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		*brokerAddr+"/api/v1/sessions/"+id, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to stop session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("broker returned %d: %s", resp.StatusCode, readError(resp.Body))
	}
	log.Printf("Session %s stopped", id)
	return nil
}

func sessionID() (string, error) {
	if *session != "" {
		return *session, nil
	}
	if *user == "" {
		return "", fmt.Errorf("-session or -user is required")
	}
	id := strings.ToLower(*user)
	if *server != "" {
		id += "--" + strings.ToLower(*server)
	}
	return id, nil
}

func readError(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return "(no detail)"
	}
	return string(bytes.TrimSpace(raw))
}
