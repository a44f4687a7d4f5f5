package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/johndauphine/stack-migrate/internal/asyncjob"
	"github.com/johndauphine/stack-migrate/internal/config"
	"github.com/johndauphine/stack-migrate/internal/migration"
)

const footer = "stack-migrate"

// Notifier sends notifications to Slack
type Notifier struct {
	config     *config.SlackConfig
	httpClient *http.Client
}

// SlackMessage represents a Slack webhook message
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

const (
	colorGreen  = "#36a64f"
	colorRed    = "#dc3545"
	colorYellow = "#ffc107"
)

// New creates a new Slack notifier
func New(cfg *config.SlackConfig) *Notifier {
	if cfg == nil {
		cfg = &config.SlackConfig{Enabled: false}
	}
	return &Notifier{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// IsEnabled returns true if notifications are enabled
func (n *Notifier) IsEnabled() bool {
	return n.config != nil && n.config.Enabled && n.config.WebhookURL != ""
}

// OperationFinished reports a completed or failed backup/restore
func (n *Notifier) OperationFinished(stack string, st migration.BackupRestoreStatus) error {
	if !n.IsEnabled() {
		return nil
	}

	kind := "Backup"
	if st.Kind == migration.KindRestore {
		kind = "Restore"
	}
	fields := []SlackField{
		{Title: "Stack", Value: stack, Short: true},
		{Title: "Type", Value: string(st.Type), Short: true},
		{Title: "ID", Value: st.ID, Short: true},
		{Title: "Rows", Value: fmt.Sprintf("%s / %s", formatNumberWithCommas(st.ProgressCurrent), formatNumberWithCommas(st.ProgressTotal)), Short: true},
		{Title: "Duration", Value: formatDuration(st.ChangedOn.Sub(st.StartedOn)), Short: true},
	}

	att := SlackAttachment{Footer: footer, Timestamp: time.Now().Unix()}
	icon := ":white_check_mark:"
	if st.State == migration.StateCompleted {
		att.Color = colorGreen
		att.Title = kind + " Completed"
		if st.ArtifactName != "" {
			fields = append(fields, SlackField{Title: "Artifact", Value: st.ArtifactName, Short: false})
		}
	} else {
		icon = ":x:"
		att.Color = colorRed
		att.Title = kind + " Failed"
		fields = append(fields, SlackField{Title: "Error", Value: truncate(st.Message+": "+st.ErrorDetails, 500), Short: false})
	}
	att.Fields = fields

	return n.send(SlackMessage{
		Channel:     n.config.Channel,
		Username:    n.getUsername(),
		IconEmoji:   icon,
		Attachments: []SlackAttachment{att},
	})
}

// JobFinished reports a terminal async job
func (n *Notifier) JobFinished(stack string, st asyncjob.Status) error {
	if !n.IsEnabled() {
		return nil
	}

	kind := "unknown"
	if req, err := st.Request(); err == nil {
		kind = string(req.Kind())
	}
	att := SlackAttachment{
		Color: colorGreen,
		Title: "Job Complete",
		Fields: []SlackField{
			{Title: "Stack", Value: stack, Short: true},
			{Title: "Kind", Value: kind, Short: true},
			{Title: "Job ID", Value: st.JobID, Short: true},
			{Title: "Runtime", Value: formatDuration(time.Duration(st.RuntimeMS) * time.Millisecond), Short: true},
		},
		Footer:    footer,
		Timestamp: time.Now().Unix(),
	}
	icon := ":white_check_mark:"
	if st.State == migration.JobFailed {
		icon = ":x:"
		att.Color = colorRed
		att.Title = "Job Failed"
		att.Fields = append(att.Fields, SlackField{Title: "Error", Value: truncate(st.ErrorMessage, 500), Short: false})
	}

	return n.send(SlackMessage{
		Channel:     n.config.Channel,
		Username:    n.getUsername(),
		IconEmoji:   icon,
		Attachments: []SlackAttachment{att},
	})
}

// LocksCleared reports a forced lock reset
func (n *Notifier) LocksCleared(stack string, userID int64, count int) error {
	if !n.IsEnabled() {
		return nil
	}

	return n.send(SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":warning:",
		Attachments: []SlackAttachment{
			{
				Color: colorYellow,
				Title: "Migration Locks Cleared",
				Fields: []SlackField{
					{Title: "Stack", Value: stack, Short: true},
					{Title: "User", Value: fmt.Sprintf("%d", userID), Short: true},
					{Title: "Locks", Value: fmt.Sprintf("%d", count), Short: true},
				},
				Footer:    footer,
				Timestamp: time.Now().Unix(),
			},
		},
	})
}

func (n *Notifier) send(msg SlackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	resp, err := n.httpClient.Post(n.config.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sending to Slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Slack returned status %d", resp.StatusCode)
	}

	return nil
}

func (n *Notifier) getUsername() string {
	if n.config.Username != "" {
		return n.config.Username
	}
	return footer
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

func formatNumberWithCommas(n int64) string {
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	var result []byte
	for i, c := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, byte(c))
	}
	return string(result)
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
