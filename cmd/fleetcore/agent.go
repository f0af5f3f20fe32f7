package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage the agent pool",
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents",
	RunE:  runAgentList,
}

var agentShowCmd = &cobra.Command{
	Use:   "show [agent-id]",
	Short: "Show agent details",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentShow,
}

var agentSpawnCmd = &cobra.Command{
	Use:   "spawn",
	Short: "Spawn a new agent",
	RunE:  runAgentSpawn,
}

var agentRetireCmd = &cobra.Command{
	Use:   "retire [agent-id]",
	Short: "Retire an agent",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentRetire,
}

var (
	agentStatus string
	agentCaps   string
)

func init() {
	agentCmd.AddCommand(agentListCmd, agentShowCmd, agentSpawnCmd, agentRetireCmd)

	agentListCmd.Flags().StringVar(&agentStatus, "status", "", "Filter by status (spawning, idle, busy, degraded, unresponsive, retired)")
	agentSpawnCmd.Flags().StringVar(&agentCaps, "capabilities", "", "Comma-separated capability tags")
}

func runAgentList(cmd *cobra.Command, args []string) error {
	url := "/agents"
	if agentStatus != "" {
		url += "?status=" + agentStatus
	}

	resp, err := apiGet(url)
	if err != nil {
		return err
	}

	var agents []map[string]interface{}
	if err := json.Unmarshal(resp, &agents); err != nil {
		return err
	}
	if len(agents) == 0 {
		fmt.Println("No agents found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tCAPABILITIES\tTASK")
	for _, a := range agents {
		caps := ""
		if raw, ok := a["capabilities"].([]interface{}); ok {
			parts := make([]string, 0, len(raw))
			for _, c := range raw {
				parts = append(parts, fmt.Sprint(c))
			}
			caps = strings.Join(parts, ",")
		}
		task, _ := a["current_task_id"].(string)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			truncateID(a["id"].(string)),
			a["status"],
			caps,
			truncateID(task))
	}
	return w.Flush()
}

func runAgentShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/agents/" + args[0])
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func runAgentSpawn(cmd *cobra.Command, args []string) error {
	body := map[string]interface{}{}
	if agentCaps != "" {
		body["capabilities"] = strings.Split(agentCaps, ",")
	}

	resp, err := apiPost("/agents", body)
	if err != nil {
		return err
	}

	var result map[string]interface{}
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}
	fmt.Printf("Spawned agent: %s\n", result["id"])
	return nil
}

func runAgentRetire(cmd *cobra.Command, args []string) error {
	if _, err := apiPost("/agents/"+args[0]+"/retire", struct{}{}); err != nil {
		return err
	}
	fmt.Printf("Retired agent: %s\n", args[0])
	return nil
}
