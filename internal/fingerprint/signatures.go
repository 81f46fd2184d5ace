package fingerprint

import "github.com/JakeFAU/goharvest/internal/harvest"

// Signature identifies one technology. A signature matches when any body
// pattern occurs in the lowercased HTML or any header rule matches.
type Signature struct {
	Category string
	Label    string
	Patterns []string
	Headers  []HeaderRule
}

// HeaderRule matches a response header whose lowercased value contains
// Contains. An empty Contains only requires presence.
type HeaderRule struct {
	Name     string
	Contains string
}

// DefaultSignatures is ordered so the most specific label of a category
// comes first (Next.js before React).
var DefaultSignatures = []Signature{
	{Category: harvest.CategoryFrameworks, Label: "Next.js", Patterns: []string{"__next_data__", "/_next/static"}},
	{Category: harvest.CategoryFrameworks, Label: "Nuxt", Patterns: []string{"__nuxt__", "/_nuxt/"}},
	{Category: harvest.CategoryFrameworks, Label: "Gatsby", Patterns: []string{"___gatsby"}},
	{Category: harvest.CategoryFrameworks, Label: "Remix", Patterns: []string{"__remixcontext"}},
	{Category: harvest.CategoryFrameworks, Label: "Astro", Patterns: []string{"astro-island"}},
	{Category: harvest.CategoryFrameworks, Label: "React", Patterns: []string{"data-reactroot", "react-dom", "__react"}},
	{Category: harvest.CategoryFrameworks, Label: "Vue.js", Patterns: []string{"data-v-app", "vue.runtime", "vue.min.js"}},
	{Category: harvest.CategoryFrameworks, Label: "Angular", Patterns: []string{"ng-version", "ng-app"}},
	{Category: harvest.CategoryFrameworks, Label: "Svelte", Patterns: []string{"svelte-"}},
	{Category: harvest.CategoryFrameworks, Label: "Ember.js", Patterns: []string{"ember-application"}},

	{Category: harvest.CategoryLibraries, Label: "jQuery", Patterns: []string{"jquery"}},
	{Category: harvest.CategoryLibraries, Label: "Alpine.js", Patterns: []string{"alpinejs", "x-data="}},
	{Category: harvest.CategoryLibraries, Label: "htmx", Patterns: []string{"htmx.org", "hx-get="}},
	{Category: harvest.CategoryLibraries, Label: "Lodash", Patterns: []string{"lodash"}},
	{Category: harvest.CategoryLibraries, Label: "D3.js", Patterns: []string{"d3.min.js", "d3.v7"}},
	{Category: harvest.CategoryLibraries, Label: "GSAP", Patterns: []string{"gsap"}},

	{Category: harvest.CategoryCSSFrameworks, Label: "Tailwind CSS", Patterns: []string{"tailwind"}},
	{Category: harvest.CategoryCSSFrameworks, Label: "Bootstrap", Patterns: []string{"bootstrap.min.css", "bootstrap.css", "bootstrap.bundle"}},
	{Category: harvest.CategoryCSSFrameworks, Label: "Bulma", Patterns: []string{"bulma"}},
	{Category: harvest.CategoryCSSFrameworks, Label: "Foundation", Patterns: []string{"foundation.min.css"}},
	{Category: harvest.CategoryCSSFrameworks, Label: "Materialize", Patterns: []string{"materialize.min.css"}},

	{Category: harvest.CategoryAnalytics, Label: "Google Tag Manager", Patterns: []string{"googletagmanager.com/gtm.js"}},
	{Category: harvest.CategoryAnalytics, Label: "Google Analytics", Patterns: []string{"google-analytics.com", "googletagmanager.com/gtag", "gtag("}},
	{Category: harvest.CategoryAnalytics, Label: "Plausible", Patterns: []string{"plausible.io/js"}},
	{Category: harvest.CategoryAnalytics, Label: "Hotjar", Patterns: []string{"static.hotjar.com"}},
	{Category: harvest.CategoryAnalytics, Label: "Segment", Patterns: []string{"cdn.segment.com"}},
	{Category: harvest.CategoryAnalytics, Label: "Mixpanel", Patterns: []string{"cdn.mxpnl.com", "mixpanel"}},
	{Category: harvest.CategoryAnalytics, Label: "Matomo", Patterns: []string{"matomo.js", "piwik.js"}},

	{Category: harvest.CategoryCMS, Label: "WordPress", Patterns: []string{"wp-content/", "wp-includes/", `content="wordpress`}},
	{Category: harvest.CategoryCMS, Label: "Drupal", Patterns: []string{"drupal-settings-json", "/sites/default/files", `content="drupal`}},
	{Category: harvest.CategoryCMS, Label: "Joomla", Patterns: []string{`content="joomla`, "/media/jui/"}},
	{Category: harvest.CategoryCMS, Label: "Shopify", Patterns: []string{"cdn.shopify.com", "shopify.theme"}},
	{Category: harvest.CategoryCMS, Label: "Wix", Patterns: []string{"static.wixstatic.com", "wix-bolt"}},
	{Category: harvest.CategoryCMS, Label: "Squarespace", Patterns: []string{"static1.squarespace.com"}},
	{Category: harvest.CategoryCMS, Label: "Ghost", Patterns: []string{`content="ghost`}},
	{Category: harvest.CategoryCMS, Label: "Webflow", Patterns: []string{"data-wf-page", "webflow.js"}},

	{Category: harvest.CategoryHosting, Label: "Vercel", Headers: []HeaderRule{{Name: "X-Vercel-Id"}, {Name: "Server", Contains: "vercel"}}},
	{Category: harvest.CategoryHosting, Label: "Netlify", Headers: []HeaderRule{{Name: "X-Nf-Request-Id"}, {Name: "Server", Contains: "netlify"}}},
	{Category: harvest.CategoryHosting, Label: "Cloudflare", Headers: []HeaderRule{{Name: "Cf-Ray"}, {Name: "Server", Contains: "cloudflare"}}},
	{Category: harvest.CategoryHosting, Label: "Amazon CloudFront", Headers: []HeaderRule{{Name: "X-Amz-Cf-Id"}}},
	{Category: harvest.CategoryHosting, Label: "GitHub Pages", Headers: []HeaderRule{{Name: "Server", Contains: "github.com"}}},
	{Category: harvest.CategoryHosting, Label: "Fastly", Headers: []HeaderRule{{Name: "X-Served-By", Contains: "cache-"}}},
	{Category: harvest.CategoryHosting, Label: "Firebase Hosting", Patterns: []string{"/__/firebase/"}},
}
