package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/hochfrequenz/limitwatch/internal/config"
	"github.com/hochfrequenz/limitwatch/internal/taskqueue"
	"github.com/spf13/cobra"
)

var queueTemplate string

func init() {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage tasks queued for the next session",
	}

	addCmd := &cobra.Command{
		Use:   "add DESCRIPTION",
		Short: "Queue a task for dispatch after the next restart",
		Args:  cobra.ExactArgs(1),
		RunE:  runQueueAdd,
	}
	addCmd.Flags().StringVar(&queueTemplate, "template", "", "task template to apply")
	queueCmd.AddCommand(addCmd)

	queueCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Show queued tasks",
		RunE:  runQueueList,
	})

	queueCmd.AddCommand(&cobra.Command{
		Use:   "remove INDEX...",
		Short: "Remove tasks by their list position",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runQueueRemove,
	})

	queueCmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Drop all queued tasks",
		RunE:  runQueueClear,
	})

	queueCmd.AddCommand(&cobra.Command{
		Use:   "templates",
		Short: "List the built-in task templates",
		RunE:  runQueueTemplates,
	})

	rootCmd.AddCommand(queueCmd)
}

func queueClient() (*apiClient, error) {
	cfg, err := config.LoadWithLocalFallback(configPath)
	if err != nil {
		return nil, err
	}
	return newClient(cfg), nil
}

func runQueueAdd(cmd *cobra.Command, args []string) error {
	client, err := queueClient()
	if err != nil {
		return err
	}
	task, err := client.queueAdd(args[0], queueTemplate)
	if err != nil {
		return err
	}
	fmt.Printf("Queued %s\n", task.ID)
	return nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	client, err := queueClient()
	if err != nil {
		return err
	}
	tasks, err := client.queueList()
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("Queue is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tTASK\tTEMPLATE\tQUEUED")
	for i, task := range tasks {
		tmpl := "-"
		if task.TemplateID != "" {
			tmpl = task.TemplateID
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
			i+1, task.Description, tmpl, humanize.Time(task.CreatedAt))
	}
	return w.Flush()
}

func runQueueRemove(cmd *cobra.Command, args []string) error {
	indices := make([]int, 0, len(args))
	for _, arg := range args {
		n, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("not a task index: %q", arg)
		}
		indices = append(indices, n)
	}

	client, err := queueClient()
	if err != nil {
		return err
	}
	removed, err := client.queueRemove(indices)
	if err != nil {
		return err
	}
	for _, task := range removed {
		fmt.Printf("Removed: %s\n", task.Description)
	}
	return nil
}

func runQueueClear(cmd *cobra.Command, args []string) error {
	client, err := queueClient()
	if err != nil {
		return err
	}
	n, err := client.queueClear()
	if err != nil {
		return err
	}
	fmt.Printf("Cleared %d tasks\n", n)
	return nil
}

func runQueueTemplates(cmd *cobra.Command, args []string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tGUIDELINES")
	for _, t := range taskqueue.Templates() {
		fmt.Fprintln(w, t.ID+"\t"+t.Name+"\t"+strconv.Itoa(len(t.Guidelines)))
	}
	return w.Flush()
}
