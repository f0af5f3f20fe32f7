package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new task",
	RunE:  runTaskSubmit,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskCancel,
}

var (
	taskCapability string
	taskPriority   int
	taskPayload    string
	taskScope      string
	taskStatus     string
)

func init() {
	taskCmd.AddCommand(taskSubmitCmd, taskListCmd, taskShowCmd, taskCancelCmd)

	taskSubmitCmd.Flags().StringVar(&taskCapability, "capability", "", "Required capability tag (required)")
	taskSubmitCmd.Flags().IntVar(&taskPriority, "priority", 0, "Priority 0-9, higher is more urgent")
	taskSubmitCmd.Flags().StringVar(&taskPayload, "payload", "", "Task payload")
	taskSubmitCmd.Flags().StringVar(&taskScope, "scope", "", "Comma-separated resource scope")
	taskSubmitCmd.MarkFlagRequired("capability")

	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "Filter by status (queued, assigned, in_progress, completed, failed)")
}

func runTaskSubmit(cmd *cobra.Command, args []string) error {
	body := map[string]interface{}{
		"capability": taskCapability,
		"priority":   taskPriority,
		"payload":    taskPayload,
	}
	if taskScope != "" {
		body["resource_scope"] = strings.Split(taskScope, ",")
	}

	resp, err := apiPost("/tasks", body)
	if err != nil {
		return err
	}

	var result map[string]interface{}
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}
	fmt.Printf("Submitted task: %s\n", result["id"])
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	url := "/tasks"
	if taskStatus != "" {
		url += "?status=" + taskStatus
	}

	resp, err := apiGet(url)
	if err != nil {
		return err
	}

	var tasks []map[string]interface{}
	if err := json.Unmarshal(resp, &tasks); err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCAPABILITY\tPRIORITY\tSTATUS\tAGENT")
	for _, t := range tasks {
		agent, _ := t["assigned_agent"].(string)
		fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\n",
			truncateID(t["id"].(string)),
			t["capability"],
			t["priority"],
			t["status"],
			truncateID(agent))
	}
	return w.Flush()
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/tasks/" + args[0])
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func runTaskCancel(cmd *cobra.Command, args []string) error {
	if _, err := apiPost("/tasks/"+args[0]+"/cancel", struct{}{}); err != nil {
		return err
	}
	fmt.Printf("Cancelled task: %s\n", args[0])
	return nil
}

func printJSON(raw []byte) error {
	var buf map[string]interface{}
	if err := json.Unmarshal(raw, &buf); err != nil {
		return err
	}
	pretty, err := json.MarshalIndent(buf, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	return nil
}
