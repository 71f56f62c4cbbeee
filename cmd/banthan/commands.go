package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/minhngo/banthan/internal/config"
	"github.com/minhngo/banthan/internal/storage"
)

// --- user ---

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage user accounts",
}

var userCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a user and print its API token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		u, err := store.CreateUser(args[0])
		if err != nil {
			return fmt.Errorf("creating user: %w", err)
		}

		printSuccess("Created user %s (%s)", u.Name, u.ID)
		fmt.Println(u.Token)
		return nil
	},
}

func init() {
	userCmd.AddCommand(userCreateCmd)
}

// --- personas ---

var personaCmd = &cobra.Command{
	Use:   "personas",
	Short: "Manage chat personas",
}

var personaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured personas",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/personas")
		if err != nil {
			return err
		}

		var personas []struct {
			ID               string   `json:"id"`
			Name             string   `json:"name"`
			Description      string   `json:"description"`
			AutoMessageTimes []string `json:"autoMessageTimes"`
		}
		if err := decodeJSON(resp, &personas); err != nil {
			return err
		}

		if len(personas) == 0 {
			fmt.Println("No personas configured.")
			return nil
		}

		for _, p := range personas {
			line := fmt.Sprintf("%s  %s", colorize(colorCyan, p.ID), colorize(colorBold, p.Name))
			if len(p.AutoMessageTimes) > 0 {
				line += fmt.Sprintf("  (auto: %s)", strings.Join(p.AutoMessageTimes, ", "))
			}
			fmt.Println(line)
			if p.Description != "" {
				fmt.Printf("  %s\n", p.Description)
			}
		}
		return nil
	},
}

var personaCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a persona",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		description, _ := cmd.Flags().GetString("description")
		tone, _ := cmd.Flags().GetString("tone")
		style, _ := cmd.Flags().GetString("style")
		language, _ := cmd.Flags().GetString("language")
		rulesStr, _ := cmd.Flags().GetString("rules")
		timesStr, _ := cmd.Flags().GetString("auto-times")

		body := map[string]any{
			"name":        args[0],
			"description": description,
			"tone":        tone,
			"style":       style,
			"language":    language,
		}
		if rulesStr != "" {
			body["rules"] = splitAndTrim(rulesStr)
		}
		if timesStr != "" {
			body["autoMessageTimes"] = splitAndTrim(timesStr)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/personas", body)
		if err != nil {
			return err
		}

		var created struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		if err := decodeJSON(resp, &created); err != nil {
			return err
		}

		printSuccess("Created persona %s (%s)", created.Name, created.ID)
		return nil
	},
}

var personaDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a persona and its conversation history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/api/personas/"+args[0], nil)
		if err != nil {
			return err
		}

		var result map[string]any
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted persona %s", args[0])
		return nil
	},
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func init() {
	personaCreateCmd.Flags().String("description", "", "short persona description")
	personaCreateCmd.Flags().String("tone", "", "conversational tone")
	personaCreateCmd.Flags().String("style", "", "writing style")
	personaCreateCmd.Flags().String("language", "", "reply language")
	personaCreateCmd.Flags().String("rules", "", "comma-separated behavior rules")
	personaCreateCmd.Flags().String("auto-times", "", "comma-separated HH:mm daily trigger times")

	personaCmd.AddCommand(personaListCmd)
	personaCmd.AddCommand(personaCreateCmd)
	personaCmd.AddCommand(personaDeleteCmd)
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat <persona-id> <message>",
	Short: "Send a message to a persona and print the reply",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		personaID := args[0]
		message := strings.Join(args[1:], " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{
			"messages": []map[string]string{
				{"role": "user", "content": message},
			},
		}
		resp, err := client.post(cmd.Context(), "/api/chat/"+personaID, body)
		if err != nil {
			return err
		}

		var result struct {
			Reply string `json:"reply"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Println(result.Reply)
		return nil
	},
}

// --- notifications ---

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "Manage autonomous-message notifications",
}

var notificationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notifications, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/notifications")
		if err != nil {
			return err
		}

		var notifications []struct {
			Category string `json:"category"`
			Name     string `json:"name"`
			Message  string `json:"message"`
			Time     string `json:"time"`
		}
		if err := decodeJSON(resp, &notifications); err != nil {
			return err
		}

		if len(notifications) == 0 {
			fmt.Println("No notifications.")
			return nil
		}

		for _, n := range notifications {
			category := colorize(colorGreen, n.Category)
			if n.Category == storage.CategoryFailure {
				category = colorize(colorRed, n.Category)
			}
			msg := n.Message
			if len(msg) > 80 {
				msg = msg[:80] + "..."
			}
			fmt.Printf("%s  %s  %s  %s\n", n.Time, category, colorize(colorBold, n.Name), msg)
		}
		return nil
	},
}

var notificationsClearCmd = &cobra.Command{
	Use:   "clear <category>",
	Short: "Delete notifications in a category (SUCCESS or FAILURE)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/api/notifications/"+args[0], nil)
		if err != nil {
			return err
		}

		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted %d notifications", result["deleted"])
		return nil
	},
}

func init() {
	notificationsCmd.AddCommand(notificationsListCmd)
	notificationsCmd.AddCommand(notificationsClearCmd)
}
