package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mapeo.dev/go/mapeo/internal/project"
	"mapeo.dev/go/mapeo/internal/protocol"
	"mapeo.dev/go/mapeo/internal/tui"
)

var (
	inviteRole    string
	inviteTimeout time.Duration
	leaveYes      bool
)

func init() {
	rootCmd.AddCommand(projectsCmd)

	projectsCmd.AddCommand(projectsCreateCmd)
	projectsCmd.AddCommand(projectsInviteCmd)
	projectsCmd.AddCommand(projectsLeaveCmd)

	projectsInviteCmd.Flags().StringVar(&inviteRole, "role", string(project.RoleParticipant), "role to offer: coordinator or participant")
	projectsInviteCmd.Flags().DurationVar(&inviteTimeout, "timeout", 5*time.Minute, "how long to wait for an answer")
	projectsLeaveCmd.Flags().BoolVarP(&leaveYes, "yes", "y", false, "do not ask for confirmation")
}

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "List projects on this device",
	RunE:  runProjectsList,
}

func runProjectsList(cmd *cobra.Command, args []string) error {
	c, ctx, cancel, err := apiClient(cmd, requestTimeout)
	if err != nil {
		return err
	}
	defer cancel()

	projects, err := c.Projects(ctx)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(projects)
	}
	if len(projects) == 0 {
		fmt.Println("No projects.")
		fmt.Println()
		fmt.Println("Create one with: mapeo projects create <name>")
		return nil
	}

	w := newTable()
	fmt.Fprintln(w, "PROJECT ID\tNAME\tROLE\tJOINED")
	for _, p := range projects {
		role := p.Role.DisplayName()
		if p.Left {
			role += " (left)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.PublicID, p.Name, role, ago(p.JoinedAt))
	}
	return w.Flush()
}

var projectsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a project",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runProjectsCreate,
}

func runProjectsCreate(cmd *cobra.Command, args []string) error {
	c, ctx, cancel, err := apiClient(cmd, requestTimeout)
	if err != nil {
		return err
	}
	defer cancel()

	p, err := c.CreateProject(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(p)
	}
	fmt.Printf("Created project %q.\n", p.Name)
	fmt.Printf("Project ID: %s\n", p.PublicID)
	return nil
}

var projectsInviteCmd = &cobra.Command{
	Use:   "invite <project-id> <device-id>",
	Short: "Invite a connected device into a project",
	Long: `Invite a connected device into a project and wait for its answer.

The device must have a session with this daemon (see 'mapeo peers').

Examples:
  mapeo projects invite 9c1e...40 3f2a...c9
  mapeo projects invite 9c1e...40 3f2a...c9 --role coordinator`,
	Args: cobra.ExactArgs(2),
	RunE: runProjectsInvite,
}

func runProjectsInvite(cmd *cobra.Command, args []string) error {
	role, err := project.ParseRole(inviteRole)
	if err != nil {
		return err
	}

	c, ctx, cancel, err := apiClient(cmd, inviteTimeout)
	if err != nil {
		return err
	}
	defer cancel()

	spinner := tui.NewSpinner("Waiting for the device to answer")
	spinner.Start()
	decision, err := c.InviteDevice(ctx, args[0], args[1], role)
	spinner.Stop()
	if err != nil {
		return err
	}

	switch decision {
	case protocol.DecisionAccept:
		fmt.Println("Invite accepted. The device joined the project.")
	case protocol.DecisionReject:
		fmt.Println("Invite rejected.")
	case protocol.DecisionAlready:
		fmt.Println("The device is already a member of this project.")
	default:
		fmt.Printf("Invite answered: %s\n", decision)
	}
	return nil
}

var projectsLeaveCmd = &cobra.Command{
	Use:   "leave <project-id>",
	Short: "Leave a project",
	Args:  cobra.ExactArgs(1),
	RunE:  runProjectsLeave,
}

func runProjectsLeave(cmd *cobra.Command, args []string) error {
	if !leaveYes && tui.IsTerminal() {
		ok, err := tui.Stdio().Confirm("Leave this project?", false)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	c, ctx, cancel, err := apiClient(cmd, requestTimeout)
	if err != nil {
		return err
	}
	defer cancel()

	if err := c.LeaveProject(ctx, args[0]); err != nil {
		return err
	}
	fmt.Println("Left project.")
	return nil
}
