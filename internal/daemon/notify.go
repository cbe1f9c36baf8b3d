package daemon

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
	"sync/atomic"

	"mapeo.dev/go/mapeo/internal/invite"
)

const notifyAppName = "Mapeo"

var errNoNotifier = errors.New("no notification method available")

// Notifier shows a desktop notification.
type Notifier interface {
	Notify(title, body string) error
}

// NewNotifier returns the notifier for the current platform.
func NewNotifier(log *slog.Logger) Notifier {
	if log == nil {
		log = slog.Default()
	}
	switch runtime.GOOS {
	case "darwin":
		return &darwinNotifier{log: log}
	case "linux", "freebsd", "openbsd":
		return &linuxNotifier{log: log}
	case "windows":
		return &windowsNotifier{log: log}
	default:
		return nullNotifier{log: log}
	}
}

type darwinNotifier struct{ log *slog.Logger }

func (n *darwinNotifier) Notify(title, body string) error {
	script := fmt.Sprintf(`display notification %q with title %q`, body, title)
	if err := exec.Command("osascript", "-e", script).Run(); err != nil {
		n.log.Debug("macOS notification failed", "error", err)
		return err
	}
	return nil
}

type linuxNotifier struct{ log *slog.Logger }

func (n *linuxNotifier) Notify(title, body string) error {
	candidates := []struct {
		name string
		args []string
	}{
		{"notify-send", []string{"--app-name=" + notifyAppName, title, body}},
		{"zenity", []string{"--notification", "--text=" + title + "\n" + body}},
		{"kdialog", []string{"--passivepopup", body, "5", "--title", title}},
	}
	for _, c := range candidates {
		path, err := exec.LookPath(c.name)
		if err != nil {
			continue
		}
		if err := exec.Command(path, c.args...).Run(); err != nil {
			n.log.Debug("Notification command failed", "command", c.name, "error", err)
			continue
		}
		return nil
	}
	return errNoNotifier
}

type windowsNotifier struct{ log *slog.Logger }

func (n *windowsNotifier) Notify(title, body string) error {
	script := fmt.Sprintf(`
		Add-Type -AssemblyName System.Windows.Forms
		$balloon = New-Object System.Windows.Forms.NotifyIcon
		$balloon.Icon = [System.Drawing.SystemIcons]::Information
		$balloon.BalloonTipTitle = '%s'
		$balloon.BalloonTipText = '%s'
		$balloon.Visible = $true
		$balloon.ShowBalloonTip(5000)
	`, psQuote(title), psQuote(body))

	if err := exec.Command("powershell", "-NoProfile", "-NonInteractive", "-Command", script).Run(); err != nil {
		n.log.Debug("PowerShell notification failed", "error", err)
		return err
	}
	return nil
}

func psQuote(s string) string { return strings.ReplaceAll(s, "'", "''") }

type nullNotifier struct{ log *slog.Logger }

func (n nullNotifier) Notify(title, body string) error {
	n.log.Debug("Notifications not supported on this platform", "title", title)
	return nil
}

// Notifications sends daemon notifications when enabled.
type Notifications struct {
	notifier Notifier
	log      *slog.Logger
	enabled  atomic.Bool
}

// NewNotifications wraps notifier.
func NewNotifications(notifier Notifier, enabled bool, log *slog.Logger) *Notifications {
	if log == nil {
		log = slog.Default()
	}
	n := &Notifications{notifier: notifier, log: log}
	n.enabled.Store(enabled)
	return n
}

// SetEnabled turns notifications on or off.
func (n *Notifications) SetEnabled(enabled bool) { n.enabled.Store(enabled) }

// notify runs the notifier in the background. Callers are event handlers
// that must not block.
func (n *Notifications) notify(title, body string) {
	if !n.enabled.Load() {
		return
	}
	go func() {
		if err := n.notifier.Notify(title, body); err != nil {
			n.log.Debug("Notification not shown", "title", title, "error", err)
		}
	}()
}

// InviteReceived announces a new project invite.
func (n *Notifications) InviteReceived(inv invite.Invite) {
	from := inv.InvitorName
	if from == "" {
		from = "A device"
	}
	body := fmt.Sprintf("%s invited you to join %q", from, inv.ProjectName)
	if inv.RoleName != "" {
		body += " as " + inv.RoleName
	}
	n.notify(notifyAppName+" - Project invite", body)
}

// ProjectJoined announces a project joined through an invite.
func (n *Notifications) ProjectJoined(inv invite.Invite) {
	n.notify(notifyAppName+" - Joined project", fmt.Sprintf("You joined %q", inv.ProjectName))
}
