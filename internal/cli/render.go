package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/kimhsiao/caresync/internal/models"
	"github.com/kimhsiao/caresync/internal/sync"
)

const timeLayout = "2006-01-02 15:04:05Z07:00"

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return t.Format(timeLayout)
}

func formatUnix(sec int64) string {
	if sec == 0 {
		return "-"
	}
	return time.Unix(sec, 0).UTC().Format(timeLayout)
}

func renderSyncResult(w io.Writer, r *sync.SyncResult) error {
	outcome := "ok"
	if !r.Success {
		outcome = "incomplete"
	}
	fmt.Fprintf(w, "%s push: %s (%s)\n", title(r.Group), outcome, r.Duration.Round(time.Millisecond))

	tw := table(w)
	for _, row := range []struct {
		label string
		n     int
	}{
		{"synced", r.Synced},
		{"failed", r.Failed},
		{"conflicts", r.Conflicts},
		{"skipped", r.Skipped},
		{"dropped", r.Dropped},
	} {
		fmt.Fprintf(tw, "  %s\t%d\n", title(row.label), row.n)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(r.Errors) == 0 {
		return nil
	}
	fmt.Fprintln(w, "Errors:")
	tw = table(w)
	for _, e := range r.Errors {
		fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\t%s\n", e.ItemID, e.EntityType, e.Action, e.Code, e.Error)
	}
	return tw.Flush()
}

func renderPullResults(w io.Writer, results []*sync.PullResult) error {
	tw := table(w)
	fmt.Fprintln(tw, "SCOPE\tINSERTED\tUPDATED\tSKIPPED\tUNCHANGED")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", r.Scope, r.Inserted, r.Updated, r.Skipped, r.Unchanged)
	}
	return tw.Flush()
}

func renderStatus(w io.Writer, r *sync.StatusReport) error {
	online := "offline"
	if r.Online {
		online = "online"
	}
	tw := table(w)
	fmt.Fprintf(tw, "Status\t%s\n", title(string(r.Status)))
	fmt.Fprintf(tw, "Connectivity\t%s\n", title(online))
	fmt.Fprintf(tw, "Pending\t%d\n", r.Pending)
	fmt.Fprintf(tw, "Dead Letters\t%d\n", r.DeadLetters)
	fmt.Fprintf(tw, "Last Sync\t%s\n", formatTime(r.LastSync))
	if r.LastError != "" {
		fmt.Fprintf(tw, "Last Error\t%s\n", r.LastError)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(r.Breakers) == 0 {
		return nil
	}
	fmt.Fprintln(w, "\nBreakers:")
	tw = table(w)
	for _, b := range r.Breakers {
		fmt.Fprintf(tw, "  %s\t%s\tfailures=%d\n", b.Name, title(b.State.String()), b.FailureCount)
	}
	return tw.Flush()
}

func renderQueueItems(w io.Writer, items []*models.SyncQueueItem) error {
	if len(items) == 0 {
		fmt.Fprintln(w, "No dead letters.")
		return nil
	}
	tw := table(w)
	fmt.Fprintln(tw, "ID\tTYPE\tENTITY\tACTION\tATTEMPTS\tLAST ATTEMPT\tERROR")
	for _, it := range items {
		var last int64
		if it.LastAttemptAt != nil {
			last = *it.LastAttemptAt
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
			it.ID, it.EntityType, it.EntityID, it.Action, it.Attempts, formatUnix(last), it.LastError)
	}
	return tw.Flush()
}

func renderConflicts(w io.Writer, logs []*models.ConflictLog) error {
	if len(logs) == 0 {
		fmt.Fprintln(w, "No conflicts recorded.")
		return nil
	}
	tw := table(w)
	fmt.Fprintln(tw, "DETECTED\tTYPE\tENTITY\tLOCAL\tSERVER\tRESOLUTION")
	for _, c := range logs {
		fmt.Fprintf(tw, "%s\t%s\t%s\tv%d\tv%d\t%s\n",
			formatUnix(c.DetectedAt), c.EntityType, c.EntityID, c.LocalVersion, c.ServerVersion, title(c.Resolution))
	}
	return tw.Flush()
}

func renderMigrationStatus(w io.Writer, st *MigrationStatus) error {
	fmt.Fprintf(w, "Schema version: %d\n", st.Version)
	if len(st.Applied) == 0 {
		fmt.Fprintln(w, "No migrations applied.")
		return nil
	}
	tw := table(w)
	fmt.Fprintln(tw, "VERSION\tDESCRIPTION\tAPPLIED")
	for _, m := range st.Applied {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", m.Version, m.Description, formatUnix(m.AppliedAt.Unix()))
	}
	return tw.Flush()
}
