package notify

import (
	"fmt"
	"strings"

	"bulksms/internal/campaign"
)

// Percent is (sent+failed)*100/max(total,1), clamped to 0..100.
func Percent(st campaign.Status) int {
	p := (st.Sent + st.Failed) * 100 / max(st.Total, 1)
	return min(max(p, 0), 100)
}

// Ongoing reports whether a host-visible "in progress" indicator should show.
func Ongoing(st campaign.Status) bool { return st.State == campaign.StateSending }

// ProgressText is the one-line progress summary.
func ProgressText(st campaign.Status) string {
	return fmt.Sprintf("Sent: %d, Failed: %d, Left: %d", st.Sent, st.Failed, st.Pending)
}

func title(st campaign.Status) string {
	switch st.State {
	case campaign.StateSending:
		return "Sending messages"
	case campaign.StateStopped:
		return "Sending stopped"
	case campaign.StateCompleted:
		return "Sending completed"
	default:
		return "Bulk sender idle"
	}
}

// Summary renders the multi-line text used for chat messages.
func Summary(st campaign.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%d%%)\n", title(st), Percent(st))
	b.WriteString(ProgressText(st))
	if st.Total > 0 {
		fmt.Fprintf(&b, "\nTotal: %d", st.Total)
	}
	if Ongoing(st) && st.CurrentNumber != "" {
		fmt.Fprintf(&b, "\nCurrent: #%d %s", st.CurrentIndex+1, st.CurrentNumber)
	}
	return b.String()
}
