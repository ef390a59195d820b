package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh/terminal"

	"github.com/contextforge/forgehost/internal/client"
	"github.com/contextforge/forgehost/internal/config/store"
	"github.com/contextforge/forgehost/internal/session"
)

func newProfileCommand() *cobra.Command {
	profileCmd := &cobra.Command{
		Use:           "profile",
		Short:         "Manage backend credential profiles",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	listCmd := &cobra.Command{
		Use:           "list",
		Short:         "List stored profiles",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          profileList,
	}

	createCmd := &cobra.Command{
		Use:           "create",
		Short:         "Store a new profile and log in with it",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          profileCreate,
	}
	createCmd.Flags().String("email", "", "Account email")
	createCmd.Flags().String("password", "", "Account password (prompted when omitted)")
	createCmd.Flags().String("url", "", "Backend API URL")
	createCmd.Flags().String("name", "", "Optional display name")

	showCmd := &cobra.Command{
		Use:           "show [profile-id]",
		Short:         "Show a profile (the active one when no id is given)",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          profileShow,
	}

	switchCmd := &cobra.Command{
		Use:           "switch [profile-id]",
		Short:         "Log in with a stored profile and make it active",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          profileSwitch,
	}

	updateCmd := &cobra.Command{
		Use:           "update [profile-id]",
		Short:         "Update a stored profile",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          profileUpdate,
	}
	updateCmd.Flags().String("email", "", "New account email")
	updateCmd.Flags().String("url", "", "New backend API URL")
	updateCmd.Flags().String("name", "", "New display name")
	updateCmd.Flags().Bool("password", false, "Prompt for a new password")

	deleteCmd := &cobra.Command{
		Use:           "delete [profile-id]",
		Short:         "Delete a stored profile",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          profileDelete,
	}

	profileCmd.AddCommand(listCmd, createCmd, showCmd, switchCmd, updateCmd, deleteCmd)
	return profileCmd
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "logout",
		Short:         "End the current session",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          logout,
	}
}

func newTestCommand() *cobra.Command {
	testCmd := &cobra.Command{
		Use:           "test",
		Short:         "Test backend credentials without storing them",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          testCredentials,
	}
	testCmd.Flags().String("email", "", "Account email")
	testCmd.Flags().String("password", "", "Account password (prompted when omitted)")
	testCmd.Flags().String("url", "", "Backend API URL")
	return testCmd
}

func profileList(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	c, err := client.New()
	if err != nil {
		return out.Error("Failed to connect to daemon", err)
	}

	profiles, err := c.ListProfiles()
	if err != nil {
		return out.Error("Failed to list profiles", err)
	}

	if out.jsonMode {
		return out.Print(profiles)
	}

	if len(profiles) == 0 {
		fmt.Println("No profiles stored")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEMAIL\tAPI URL\tNAME\tACTIVE")
	for _, p := range profiles {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			p.ID, p.Email, p.APIURL, displayNameOrDash(p), activeMarker(p))
	}
	return w.Flush()
}

func profileCreate(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	email, _ := cmd.Flags().GetString("email")
	apiURL, _ := cmd.Flags().GetString("url")
	name, _ := cmd.Flags().GetString("name")
	password, _ := cmd.Flags().GetString("password")

	if strings.TrimSpace(email) == "" {
		return out.Error("Email (--email) is required", nil)
	}
	if strings.TrimSpace(apiURL) == "" {
		return out.Error("Backend URL (--url) is required", nil)
	}
	if password == "" {
		var err error
		password, err = promptPassword("Password: ")
		if err != nil {
			return out.Error("Failed to read password", err)
		}
	}

	c, err := client.New()
	if err != nil {
		return out.Error("Failed to connect to daemon", err)
	}

	profile, err := c.CreateProfile(session.CreateProfileRequest{
		DisplayName: name,
		Email:       email,
		Password:    password,
		APIURL:      apiURL,
	})
	if err != nil {
		return out.Error("Failed to create profile", err)
	}

	return out.Success(fmt.Sprintf("Profile %s created and active", profile.ID), map[string]any{
		"profile": profile,
	})
}

func profileShow(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	c, err := client.New()
	if err != nil {
		return out.Error("Failed to connect to daemon", err)
	}

	var profile *store.Profile
	if len(args) == 1 {
		profile, err = c.GetProfile(args[0])
	} else {
		profile, err = c.ActiveProfile()
	}
	if err != nil {
		return out.Error("Failed to fetch profile", err)
	}

	if out.jsonMode {
		return out.Print(profile)
	}

	fmt.Printf("Profile %s:\n", profile.ID)
	fmt.Printf("  Email:   %s\n", profile.Email)
	fmt.Printf("  API URL: %s\n", profile.APIURL)
	if profile.DisplayName != "" {
		fmt.Printf("  Name:    %s\n", profile.DisplayName)
	}
	fmt.Printf("  Active:  %v\n", profile.IsActive)
	if profile.IsInternal {
		fmt.Println("  Internal: yes")
	}
	if md := profile.Metadata; md != nil {
		if md.Environment != "" {
			fmt.Printf("  Environment: %s\n", md.Environment)
		}
		if md.Description != "" {
			fmt.Printf("  Description: %s\n", md.Description)
		}
	}
	if profile.LastUsedAt != "" {
		fmt.Printf("  Last used: %s\n", profile.LastUsedAt)
	}
	return nil
}

func profileSwitch(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	c, err := client.New()
	if err != nil {
		return out.Error("Failed to connect to daemon", err)
	}

	profile, err := c.SwitchProfile(args[0])
	if err != nil {
		return out.Error("Failed to switch profile", err)
	}

	return out.Success(fmt.Sprintf("Logged in as %s", profile.Email), map[string]any{
		"profile": profile,
	})
}

func profileUpdate(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	var req session.UpdateProfileRequest
	if cmd.Flags().Changed("email") {
		email, _ := cmd.Flags().GetString("email")
		req.Email = &email
	}
	if cmd.Flags().Changed("url") {
		apiURL, _ := cmd.Flags().GetString("url")
		req.APIURL = &apiURL
	}
	if cmd.Flags().Changed("name") {
		name, _ := cmd.Flags().GetString("name")
		req.DisplayName = &name
	}
	if prompt, _ := cmd.Flags().GetBool("password"); prompt {
		password, err := promptPassword("New password: ")
		if err != nil {
			return out.Error("Failed to read password", err)
		}
		req.Password = &password
	}
	if req.Email == nil && req.APIURL == nil && req.DisplayName == nil && req.Password == nil {
		return out.Error("Nothing to update; pass --email, --url, --name or --password", nil)
	}

	c, err := client.New()
	if err != nil {
		return out.Error("Failed to connect to daemon", err)
	}

	profile, err := c.UpdateProfile(args[0], req)
	if err != nil {
		return out.Error("Failed to update profile", err)
	}

	return out.Success(fmt.Sprintf("Profile %s updated", profile.ID), map[string]any{
		"profile": profile,
	})
}

func profileDelete(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	c, err := client.New()
	if err != nil {
		return out.Error("Failed to connect to daemon", err)
	}

	if err := c.DeleteProfile(args[0]); err != nil {
		return out.Error("Failed to delete profile", err)
	}
	return out.Success(fmt.Sprintf("Profile %s deleted", args[0]), map[string]any{
		"deleted": args[0],
	})
}

func logout(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	c, err := client.New()
	if err != nil {
		return out.Error("Failed to connect to daemon", err)
	}

	if err := c.Logout(); err != nil {
		return out.Error("Failed to log out", err)
	}
	return out.Success("Logged out", nil)
}

func testCredentials(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	email, _ := cmd.Flags().GetString("email")
	apiURL, _ := cmd.Flags().GetString("url")
	password, _ := cmd.Flags().GetString("password")

	if strings.TrimSpace(email) == "" {
		return out.Error("Email (--email) is required", nil)
	}
	if strings.TrimSpace(apiURL) == "" {
		return out.Error("Backend URL (--url) is required", nil)
	}
	if password == "" {
		var err error
		password, err = promptPassword("Password: ")
		if err != nil {
			return out.Error("Failed to read password", err)
		}
	}

	c, err := client.New()
	if err != nil {
		return out.Error("Failed to connect to daemon", err)
	}

	result, err := c.TestCredentials(email, password, apiURL)
	if err != nil {
		return out.Error("Failed to test credentials", err)
	}

	if out.jsonMode {
		return out.Print(result)
	}
	if result.Success {
		fmt.Println("Credentials OK")
		return nil
	}
	return out.Error(fmt.Sprintf("Credentials rejected: %s", result.Error), nil)
}

func promptPassword(prompt string) (string, error) {
	if !terminal.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("stdin is not a terminal; pass --password")
	}
	fmt.Fprint(os.Stderr, prompt)
	data, err := terminal.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func displayNameOrDash(p store.Profile) string {
	if strings.TrimSpace(p.DisplayName) == "" {
		return "-"
	}
	return p.DisplayName
}

func activeMarker(p store.Profile) string {
	if p.IsActive {
		return "*"
	}
	return ""
}
