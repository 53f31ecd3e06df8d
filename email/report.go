package email

import (
	"fmt"
	"strings"
	"time"

	"meetup-messager/pkg/outreach"
)

// maxListedRecipients caps the recipient list in a report body.
const maxListedRecipients = 50

func reportSubject(summary *outreach.RunSummary) string {
	status := "completed"
	if summary.Error != "" {
		status = "failed"
	}
	return fmt.Sprintf("meetup-messager run %s for %s: %d sent", status, summary.OwnGroup, summary.Sent)
}

func formatReportBody(summary *outreach.RunSummary) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; }\n")
	b.WriteString(".header { border-bottom: 2px solid #e0393e; padding-bottom: 10px; margin-bottom: 20px; }\n")
	b.WriteString(".error { background: #fdecea; padding: 15px; border-radius: 8px; white-space: pre-wrap; }\n")
	b.WriteString("td { padding: 4px 12px 4px 0; }\n")
	b.WriteString(".footer { margin-top: 20px; padding-top: 10px; border-top: 2px solid #ecf0f1; color: #7f8c8d; font-size: 0.9em; }\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString("<div class=\"header\">\n")
	b.WriteString(fmt.Sprintf("<h2>Outreach run for %s</h2>\n", escapeHTML(summary.OwnGroup)))
	b.WriteString("</div>\n")

	b.WriteString("<table>\n")
	b.WriteString(fmt.Sprintf("<tr><td>Started</td><td>%s</td></tr>\n", summary.StartedAt.Format("Jan 2, 2006 at 3:04 PM")))
	b.WriteString(fmt.Sprintf("<tr><td>Duration</td><td>%s</td></tr>\n", summary.FinishedAt.Sub(summary.StartedAt).Round(time.Second)))
	b.WriteString(fmt.Sprintf("<tr><td>Messages sent</td><td>%d</td></tr>\n", summary.Sent))
	b.WriteString(fmt.Sprintf("<tr><td>Pages completed</td><td>%d</td></tr>\n", summary.Pages))
	if len(summary.Exhausted) > 0 {
		b.WriteString(fmt.Sprintf("<tr><td>Groups with no more users</td><td>%s</td></tr>\n", escapeHTML(strings.Join(summary.Exhausted, ", "))))
	}
	b.WriteString("</table>\n")

	if summary.Error != "" {
		b.WriteString("<h3>Run stopped with an error</h3>\n")
		b.WriteString(fmt.Sprintf("<div class=\"error\">%s</div>\n", escapeHTML(summary.Error)))
	}

	if n := len(summary.Recipients); n > 0 {
		b.WriteString("<h3>Recipients</h3>\n<ul>\n")
		for i, id := range summary.Recipients {
			if i == maxListedRecipients {
				b.WriteString(fmt.Sprintf("<li>and %d more</li>\n", n-maxListedRecipients))
				break
			}
			b.WriteString(fmt.Sprintf("<li>%s</li>\n", escapeHTML(id)))
		}
		b.WriteString("</ul>\n")
	}

	b.WriteString("<div class=\"footer\">Progress has been saved; the next run resumes where this one stopped.</div>\n")
	b.WriteString("</body>\n</html>")

	return b.String()
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}
