package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/spacedatanetwork/sdn-namesys/internal/config"
)

// callDaemon sends a request to a running daemon's HTTP API and decodes
// the JSON response, surfacing the daemon's error message on failure.
func callDaemon(cmd string, method, path string, params url.Values) (map[string]interface{}, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	target := "http://" + cfg.API.Listen + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	req, err := http.NewRequest(method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("daemon unreachable (is 'sdn-namesys daemon' running?): %w", err)
	}
	defer resp.Body.Close()

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode daemon response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if errObj, ok := body["error"].(map[string]interface{}); ok {
			if msg, ok := errObj["message"].(string); ok {
				return nil, errors.New(msg)
			}
		}
		return nil, fmt.Errorf("%s failed with status %d", cmd, resp.StatusCode)
	}

	return body, nil
}

func runPublish(cmd *cobra.Command, args []string) error {
	params := url.Values{}
	params.Set("value", args[0])
	if keyName != "" {
		params.Set("key", keyName)
	}
	if lifetime != "" {
		params.Set("lifetime", lifetime)
	}
	if resolveFirst {
		params.Set("resolve", "true")
	}

	body, err := callDaemon("publish", http.MethodPost, "/api/v0/name/publish", params)
	if err != nil {
		return err
	}

	seq := uint64(0)
	if f, ok := body["sequence"].(float64); ok {
		seq = uint64(f)
	}
	fmt.Printf("Published to %v: %v (seq %d, eol %v)\n", body["name"], body["value"], seq, body["eol"])
	return nil
}

func runResolve(cmd *cobra.Command, args []string) error {
	params := url.Values{}
	params.Set("name", args[0])
	if timeout != "" {
		params.Set("timeout", timeout)
	}

	body, err := callDaemon("resolve", http.MethodGet, "/api/v0/name/resolve", params)
	if err != nil {
		return err
	}

	fmt.Println(body["value"])
	return nil
}

func runSubs(cmd *cobra.Command, args []string) error {
	body, err := callDaemon("subs", http.MethodGet, "/api/v0/name/subs", nil)
	if err != nil {
		return err
	}

	if topics, ok := body["topics"].([]interface{}); ok {
		for _, topic := range topics {
			fmt.Println(topic)
		}
	}
	return nil
}
