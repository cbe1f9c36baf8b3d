package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mapeo.dev/go/mapeo/internal/tui"
)

var (
	invitesAll    bool
	rejectYes     bool
	acceptTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(invitesCmd)

	invitesCmd.AddCommand(invitesAcceptCmd)
	invitesCmd.AddCommand(invitesRejectCmd)
	invitesCmd.AddCommand(invitesSentCmd)
	invitesCmd.AddCommand(invitesCancelCmd)

	invitesCmd.Flags().BoolVarP(&invitesAll, "all", "a", false, "include answered and canceled invites")
	invitesAcceptCmd.Flags().DurationVar(&acceptTimeout, "timeout", 2*time.Minute, "how long to wait for the project to be added")
	invitesRejectCmd.Flags().BoolVarP(&rejectYes, "yes", "y", false, "do not ask for confirmation")
}

var invitesCmd = &cobra.Command{
	Use:   "invites",
	Short: "List project invites received by this device",
	RunE:  runInvitesList,
}

func runInvitesList(cmd *cobra.Command, args []string) error {
	c, ctx, cancel, err := apiClient(cmd, requestTimeout)
	if err != nil {
		return err
	}
	defer cancel()

	invites, err := c.Invites(ctx, !invitesAll)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(invites)
	}

	if len(invites) == 0 {
		fmt.Println("No pending invites.")
		return nil
	}

	w := newTable()
	fmt.Fprintln(w, "INVITE ID\tPROJECT\tFROM\tROLE\tSTATE\tRECEIVED")
	for _, inv := range invites {
		role := inv.RoleName
		if role == "" {
			role = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			inv.InviteID, inv.ProjectName, inv.InvitorName, role, inv.State, ago(inv.ReceivedAt))
	}
	return w.Flush()
}

var invitesAcceptCmd = &cobra.Command{
	Use:   "accept <invite-id>",
	Short: "Accept an invite and join the project",
	Args:  cobra.ExactArgs(1),
	RunE:  runInvitesAccept,
}

func runInvitesAccept(cmd *cobra.Command, args []string) error {
	c, ctx, cancel, err := apiClient(cmd, acceptTimeout)
	if err != nil {
		return err
	}
	defer cancel()

	spinner := tui.NewSpinner("Joining project")
	spinner.Start()
	publicID, err := c.AcceptInvite(ctx, args[0])
	spinner.Stop()
	if err != nil {
		return err
	}
	fmt.Printf("Joined project %s.\n", shortID(publicID))
	return nil
}

var invitesRejectCmd = &cobra.Command{
	Use:   "reject <invite-id>",
	Short: "Reject an invite",
	Args:  cobra.ExactArgs(1),
	RunE:  runInvitesReject,
}

func runInvitesReject(cmd *cobra.Command, args []string) error {
	if !rejectYes && tui.IsTerminal() {
		ok, err := tui.Stdio().Confirm("Reject this invite?", false)
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

	if err := c.RejectInvite(ctx, args[0]); err != nil {
		return err
	}
	fmt.Println("Invite rejected.")
	return nil
}

var invitesSentCmd = &cobra.Command{
	Use:   "sent",
	Short: "List invites this device sent that are still waiting for an answer",
	RunE:  runInvitesSent,
}

func runInvitesSent(cmd *cobra.Command, args []string) error {
	c, ctx, cancel, err := apiClient(cmd, requestTimeout)
	if err != nil {
		return err
	}
	defer cancel()

	sent, err := c.SentInvites(ctx)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(sent)
	}
	if len(sent) == 0 {
		fmt.Println("No invites waiting for an answer.")
		return nil
	}

	w := newTable()
	fmt.Fprintln(w, "INVITE ID\tPROJECT\tDEVICE\tSENT")
	for _, s := range sent {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.InviteID, s.ProjectName, shortID(s.DeviceID), ago(s.SentAt))
	}
	return w.Flush()
}

var invitesCancelCmd = &cobra.Command{
	Use:   "cancel <invite-id>",
	Short: "Cancel an invite this device sent",
	Args:  cobra.ExactArgs(1),
	RunE:  runInvitesCancel,
}

func runInvitesCancel(cmd *cobra.Command, args []string) error {
	c, ctx, cancel, err := apiClient(cmd, requestTimeout)
	if err != nil {
		return err
	}
	defer cancel()

	if err := c.CancelInvite(ctx, args[0]); err != nil {
		return err
	}
	fmt.Println("Invite canceled.")
	return nil
}
