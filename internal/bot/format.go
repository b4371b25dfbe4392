package bot

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"hubbot/internal/fleet"
	"hubbot/internal/panel"
	"hubbot/internal/snapshot"
	"hubbot/internal/worker"
)

const maxMessage = 4000

func gb(v float64) string {
	return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.3f", v), "0"), ".")
}

func expiryText(days *int) string {
	switch {
	case days == nil:
		return "unlimited"
	case *days < 0:
		return fmt.Sprintf("expired %d days ago", -*days)
	case *days == 0:
		return "expires today"
	}
	return fmt.Sprintf("%d days left", *days)
}

func limitText(limit float64) string {
	if limit <= 0 {
		return "∞"
	}
	return gb(limit)
}

func FormatView(v *fleet.View, now time.Time) string {
	var sb strings.Builder
	name := v.Name
	if name == "" {
		name = "(no name)"
	}
	fmt.Fprintf(&sb, "👤 %s\n%s\n", name, v.UUID)
	if v.Username != "" {
		fmt.Fprintf(&sb, "username: %s\n", v.Username)
	}
	status := "✅ active"
	switch {
	case !v.ServiceActive:
		status = "⛔ service disabled"
	case !v.IsActive:
		status = "⛔ disabled on all panels"
	}
	fmt.Fprintf(&sb, "status: %s\n", status)
	fmt.Fprintf(&sb, "usage: %s / %s GB", gb(v.CurrentUsageGB), limitText(v.UsageLimitGB))
	if v.UsageLimitGB > 0 {
		fmt.Fprintf(&sb, " (%.2f%%)", v.UsagePercentage)
	}
	fmt.Fprintf(&sb, "\nexpiry: %s\n", expiryText(v.Expire))
	if v.LastOnline != nil {
		fmt.Fprintf(&sb, "last online: %s ago\n", now.Sub(*v.LastOnline).Truncate(time.Minute))
	}

	sb.WriteString("panels:")
	if len(v.Breakdown) == 0 {
		sb.WriteString(" none")
	}
	for _, s := range v.Breakdown {
		fmt.Fprintf(&sb, "\n• %s [%s] ", s.Name, s.Kind)
		switch {
		case s.Err != nil:
			fmt.Fprintf(&sb, "unreachable: %v", s.Err)
		case s.Data == nil:
			sb.WriteString("no account")
		default:
			d := s.Data
			state := "on"
			if !d.Enabled {
				state = "off"
			}
			fmt.Fprintf(&sb, "%s/%s GB, %s, %s", gb(d.UsedGB), limitText(d.LimitGB), expiryText(d.RemainingDays(now)), state)
		}
	}
	return sb.String()
}

func FormatResult(action string, r fleet.Result) string {
	var sb strings.Builder
	mark := "✅"
	if !r.AnySuccess {
		mark = "❌"
	}
	fmt.Fprintf(&sb, "%s %s: %s", mark, action, r.Summary())
	for _, o := range r.Failed() {
		fmt.Fprintf(&sb, "\n✗ %s: %v", o.Panel, o.Err)
	}
	return sb.String()
}

func FormatUsage(v *fleet.View, today snapshot.Usage, month float64) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "📈 %s\n", v.UUID)
	fmt.Fprintf(&sb, "today: %s GB\n", gb(today.Total()))
	for _, row := range []struct {
		kind panel.Kind
		gb   float64
	}{
		{panel.Hiddify, today.Hiddify},
		{panel.Marzban, today.Marzban},
		{panel.Remnawave, today.Remnawave},
		{panel.Pasarguard, today.Pasarguard},
	} {
		if row.gb > 0 {
			fmt.Fprintf(&sb, "  %s: %s GB\n", row.kind, gb(row.gb))
		}
	}
	fmt.Fprintf(&sb, "this month: %s GB\n", gb(month))
	fmt.Fprintf(&sb, "total: %s / %s GB", gb(v.CurrentUsageGB), limitText(v.UsageLimitGB))
	return sb.String()
}

func FormatReport(r snapshot.Report) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "📊 Snapshot %s UTC\n", r.At.UTC().Format("2006-01-02 15:04"))
	fmt.Fprintf(&sb, "services: %d, written: %d, skipped: %d\n", r.Services, r.Written, r.Skipped)

	kinds := make([]string, 0, len(r.TotalGB))
	for k := range r.TotalGB {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(&sb, "%s: %s GB\n", k, gb(r.TotalGB[panel.Kind(k)]))
	}
	if len(r.FailedPanels) > 0 {
		fmt.Fprintf(&sb, "⚠️ unreachable: %s\n", strings.Join(r.FailedPanels, ", "))
	}
	fmt.Fprintf(&sb, "took %s", r.Took.Round(time.Millisecond))
	return sb.String()
}

func FormatNotice(n worker.Notice) string {
	name := n.View.Name
	if name == "" {
		name = n.View.UUID
	}
	fa := n.Lang != "en"

	switch n.Kind {
	case worker.NoticeExpiry:
		if fa {
			if n.DaysLeft == 0 {
				return fmt.Sprintf("⚠️ سرویس «%s» شما امروز منقضی می‌شود. برای حفظ دسترسی آن را تمدید کنید.", name)
			}
			return fmt.Sprintf("⚠️ سرویس «%s» شما %d روز دیگر منقضی می‌شود. برای حفظ دسترسی آن را تمدید کنید.", name, n.DaysLeft)
		}
		if n.DaysLeft == 0 {
			return fmt.Sprintf("⚠️ Your service %q expires today. Renew it to keep access.", name)
		}
		return fmt.Sprintf("⚠️ Your service %q expires in %d days. Renew it to keep access.", name, n.DaysLeft)

	case worker.NoticeUsage:
		v := n.View
		if fa {
			return fmt.Sprintf("⚠️ شما %.0f٪ از حجم سرویس «%s» را مصرف کرده‌اید (%s از %s گیگابایت).",
				v.UsagePercentage, name, gb(v.CurrentUsageGB), gb(v.UsageLimitGB))
		}
		return fmt.Sprintf("⚠️ You have used %.0f%% of %q (%s of %s GB).",
			v.UsagePercentage, name, gb(v.CurrentUsageGB), gb(v.UsageLimitGB))
	}
	return ""
}

// chunk splits s on line boundaries into pieces of at most n bytes.
func chunk(s string, n int) []string {
	if len(s) <= n {
		return []string{s}
	}
	var out []string
	var cur strings.Builder
	for _, line := range strings.SplitAfter(s, "\n") {
		for len(line) > n {
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
			out = append(out, line[:n])
			line = line[n:]
		}
		if cur.Len()+len(line) > n {
			out = append(out, cur.String())
			cur.Reset()
		}
		cur.WriteString(line)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}
