package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/neboloop/tabrelay/internal/relay"
)

// StatusCmd queries a running relay.
func StatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the extension is connected and attached",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			st, err := fetchStatus(fmt.Sprintf("http://%s/extension/status", c.Addr()))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			fmt.Fprintf(out, "Extension: %s\n", connectedLabel(st.Connected))
			fmt.Fprintf(out, "State:     %s\n", st.State)
			fmt.Fprintf(out, "Clients:   %d\n", st.Clients)
			fmt.Fprintf(out, "Pending:   %d\n", st.Pending)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status object")
	return cmd
}

func fetchStatus(url string) (relay.Status, error) {
	var st relay.Status
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return st, fmt.Errorf("relay not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("relay status: %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

func connectedLabel(ok bool) string {
	if ok {
		return "connected"
	}
	return "not connected"
}
