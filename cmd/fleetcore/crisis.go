package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var crisisCmd = &cobra.Command{
	Use:   "crisis",
	Short: "Inspect and acknowledge crisis events",
}

var crisisListCmd = &cobra.Command{
	Use:   "list",
	Short: "List crisis events",
	RunE:  runCrisisList,
}

var crisisAckCmd = &cobra.Command{
	Use:   "ack [event-id]",
	Short: "Acknowledge a crisis event",
	Args:  cobra.ExactArgs(1),
	RunE:  runCrisisAck,
}

var (
	crisisUnacked bool
	operatorID    string
)

func init() {
	crisisCmd.AddCommand(crisisListCmd, crisisAckCmd)

	crisisListCmd.Flags().BoolVar(&crisisUnacked, "unacked", false, "Only unacknowledged events")

	hostname, _ := os.Hostname()
	crisisAckCmd.Flags().StringVar(&operatorID, "operator", fmt.Sprintf("cli@%s", hostname), "Operator id recorded on the acknowledgement")
}

func runCrisisList(cmd *cobra.Command, args []string) error {
	url := "/crises"
	if crisisUnacked {
		url += "?unacked=true"
	}

	resp, err := apiGet(url)
	if err != nil {
		return err
	}

	var events []map[string]interface{}
	if err := json.Unmarshal(resp, &events); err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("No crisis events")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSEVERITY\tCATEGORY\tSUBJECT\tACKED\tDETAIL")
	for _, e := range events {
		acked := "no"
		if v, ok := e["acknowledged"].(bool); ok && v {
			acked = "yes"
		}
		subject, _ := e["subject_id"].(string)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(e["id"].(string)),
			e["severity"],
			e["category"],
			truncateID(subject),
			acked,
			e["detail"])
	}
	return w.Flush()
}

func runCrisisAck(cmd *cobra.Command, args []string) error {
	body := map[string]string{"operator_id": operatorID}
	if _, err := apiPost("/crises/"+args[0]+"/ack", body); err != nil {
		return err
	}
	fmt.Printf("Acknowledged: %s\n", args[0])
	return nil
}
