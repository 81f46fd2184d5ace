package archive

import (
	"fmt"
	"sort"
	"strings"

	"github.com/JakeFAU/goharvest/internal/harvest"
)

// Report renders the markdown summary of a harvest result.
func Report(result harvest.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# GOharvest Report: %s\n\n", result.URL)

	b.WriteString("## Summary\n\n")
	fmt.Fprintf(&b, "- Content length: %d\n", len(result.Content))
	fmt.Fprintf(&b, "- Total assets: %d\n", result.TotalAssets)
	fmt.Fprintf(&b, "- Total size: %d bytes\n", result.TotalSize)
	fmt.Fprintf(&b, "- Content hash: `%s`\n", result.ContentHash)
	if title := result.Metadata["title"]; title != "" {
		fmt.Fprintf(&b, "- Title: %s\n", title)
	}
	if result.FrontendFramework != "" {
		fmt.Fprintf(&b, "- Frontend framework: %s\n", result.FrontendFramework)
	}
	if result.CSSFramework != "" {
		fmt.Fprintf(&b, "- CSS framework: %s\n", result.CSSFramework)
	}
	b.WriteString("\n")

	b.WriteString("## Technologies\n\n")
	found := false
	for _, category := range harvest.Categories {
		labels := result.Technologies[category]
		if len(labels) == 0 {
			continue
		}
		found = true
		fmt.Fprintf(&b, "- %s: %s\n", category, strings.Join(labels, ", "))
	}
	if !found {
		b.WriteString("None detected.\n")
	}
	b.WriteString("\n")

	if len(result.Assets) > 0 {
		b.WriteString("## Assets\n\n")
		b.WriteString("| Type | Outcome | Size | URL |\n|---|---|---|---|\n")
		assets := append([]harvest.Asset(nil), result.Assets...)
		sort.SliceStable(assets, func(i, j int) bool { return assets[i].Type < assets[j].Type })
		for _, a := range assets {
			fmt.Fprintf(&b, "| %s | %s | %d | %s |\n", a.Type, a.Outcome, a.Size, a.URL)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Links\n\n")
	fmt.Fprintf(&b, "- Internal: %d\n", len(result.Links.Internal))
	fmt.Fprintf(&b, "- External: %d\n\n", len(result.Links.External))

	if result.Snapshot.Hash != "" {
		b.WriteString("## Change Detection\n\n")
		switch {
		case result.Snapshot.PreviousHash == "":
			b.WriteString("- Baseline established.\n")
		case result.Snapshot.Changed:
			s := result.Snapshot.Summary
			fmt.Fprintf(&b, "- Changed since `%s`: +%d / -%d lines\n", result.Snapshot.PreviousHash, s.Inserted, s.Deleted)
		default:
			b.WriteString("- No changes since the previous harvest.\n")
		}
	}
	return b.String()
}
