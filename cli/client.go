package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

var (
	errNoToken = errors.New("no operator token: set --token or HIVECTL_TOKEN")
	errNoOrg   = errors.New("no organization: set --org or HIVECTL_ORG")
)

// call sends an operator request and decodes a JSON answer into out.
func (a *app) call(ctx context.Context, method, path string, in, out any) error {
	token := a.v.GetString("token")
	if token == "" {
		return errNoToken
	}
	org := a.v.GetString("org")
	if org == "" {
		return errNoOrg
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	base := strings.TrimRight(a.v.GetString("server"), "/")
	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Hive-Org-ID", org)
	if actor := a.v.GetString("actor"); actor != "" {
		req.Header.Set("X-Hive-Actor", actor)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Code != "" {
			return fmt.Errorf("%s: %s", apiErr.Code, apiErr.Error)
		}
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

// render prints v as indented JSON when --json is set and reports whether it did.
func (a *app) render(cmd *cobra.Command, v any) (bool, error) {
	if !a.v.GetBool("json") {
		return false, nil
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return true, enc.Encode(v)
}
