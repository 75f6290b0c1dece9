package bot

import (
	"fmt"
	"strings"

	"github.com/antchfx/htmlquery"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"olx_bot/internal/model"
	"olx_bot/internal/olx"
)

const descriptionLimit = 200

func escape(s string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeMarkdown, s)
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// FormatListing formats a listing as a Markdown notification message.
func FormatListing(l model.Listing) string {
	owner := "Yes"
	if l.IsBusiness {
		owner = "No"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "*Title:* %s\n", escape(l.Title))
	fmt.Fprintf(&b, "💰 *Price:* %s - *District:* %s\n", escape(l.Price), escape(orDefault(l.DistrictName, "District not provided")))
	fmt.Fprintf(&b, "🧭 *Area:* %s, *Rooms:* %s\n", escape(orDefault(l.Area, "N/A")), escape(orDefault(l.Rooms, "N/A")))
	fmt.Fprintf(&b, "🐙 *Czynsz (additional):* %s\n", escape(orDefault(l.RentAdditional, "No czynsz")))
	if desc := Summary(l.Description); desc != "" {
		fmt.Fprintf(&b, "📝 %s\n", escape(desc))
	}
	fmt.Fprintf(&b, "🥸 From owner: %s\n", owner)
	// Link targets are not parsed for entities, so the URL goes in as is.
	fmt.Fprintf(&b, "🔗 [View Listing](%s)", l.URL)
	return b.String()
}

// Summary strips HTML from a listing description, collapses whitespace and
// truncates the result to a short preview.
func Summary(description string) string {
	text := htmlText(description)
	if r := []rune(text); len(r) > descriptionLimit {
		text = string(r[:descriptionLimit]) + "..."
	}
	return text
}

func htmlText(s string) string {
	doc, err := htmlquery.Parse(strings.NewReader(s))
	if err != nil {
		return strings.Join(strings.Fields(s), " ")
	}
	var parts []string
	for _, n := range htmlquery.Find(doc, "//text()") {
		parts = append(parts, n.Data)
	}
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}

// FormatFilters formats a subscriber's filter settings for display.
func FormatFilters(f *model.SubscriberFilter, delivered int) string {
	var b strings.Builder
	b.WriteString("Current filters:\n")
	fmt.Fprintf(&b, "Price range: %s - %s zł\n", formatBound(f.MinPrice), formatBound(f.MaxPrice))

	if len(f.Districts) == 0 {
		b.WriteString("Locations: All\n")
	} else {
		names := make([]string, 0, len(f.Districts))
		for _, id := range f.Districts {
			name, ok := olx.DistrictName(id)
			if !ok {
				name = "Unknown (" + id + ")"
			}
			names = append(names, name)
		}
		fmt.Fprintf(&b, "Locations: %s\n", strings.Join(names, ", "))
	}

	fmt.Fprintf(&b, "From owner only: %s\n", yesNo(f.FromOwnerOnly))
	fmt.Fprintf(&b, "Use total price (price + czynsz): %s\n", yesNo(f.UseTotalPrice))

	status := "stopped"
	if f.IsActive {
		status = "searching"
	}
	fmt.Fprintf(&b, "Status: %s\n", status)
	fmt.Fprintf(&b, "Listings sent in the last 48h: %d", delivered)
	return b.String()
}

func formatBound(v *int) string {
	if v == nil {
		return "Not set"
	}
	return fmt.Sprintf("%d", *v)
}

func yesNo(v bool) string {
	if v {
		return "Yes"
	}
	return "No"
}
