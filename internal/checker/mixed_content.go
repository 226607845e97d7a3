package checker

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/khanhnv2901/seca-scan/internal/domain/check"
	"github.com/khanhnv2901/seca-scan/internal/engine"
)

type mixedRef struct {
	selector string
	attr     string
	active   bool
}

// Active content can rewrite the page; passive content can only be observed or swapped.
var mixedRefs = []mixedRef{
	{selector: "script[src]", attr: "src", active: true},
	{selector: "iframe[src]", attr: "src", active: true},
	{selector: `link[rel~="stylesheet"][href]`, attr: "href", active: true},
	{selector: "form[action]", attr: "action", active: true},
	{selector: "img[src]", attr: "src"},
	{selector: "audio[src]", attr: "src"},
	{selector: "video[src]", attr: "src"},
	{selector: "source[src]", attr: "src"},
}

func collectMixedContent(doc *goquery.Document) (active, passive []string) {
	for _, ref := range mixedRefs {
		doc.Find(ref.selector).Each(func(_ int, sel *goquery.Selection) {
			val, _ := sel.Attr(ref.attr)
			val = strings.TrimSpace(val)
			if !strings.HasPrefix(strings.ToLower(val), "http://") {
				return
			}
			entry := fmt.Sprintf("`<%s %s=\"%s\">`", goquery.NodeName(sel), ref.attr, val)
			if ref.active {
				active = append(active, entry)
			} else {
				passive = append(passive, entry)
			}
		})
	}
	return active, passive
}

// MixedContent reports HTTPS pages that reference resources over plain HTTP.
var MixedContent = engine.MustDefine(func(s *engine.Steps[empty]) engine.Spec[empty] {
	s.Step("scanDocument", func(st empty, sc *engine.Context) (engine.Result[empty], error) {
		doc, err := sc.HTML()
		if err != nil {
			return engine.Done(st), nil
		}
		t := sc.Target()
		active, passive := collectMixedContent(doc)

		var findings []check.Finding
		if len(active) > 0 {
			findings = append(findings, check.NewFinding("Active Mixed Content", check.SeverityMedium, t.Request).
				WithDescription("This HTTPS page loads scripts, frames, stylesheets or form targets over plain HTTP.").
				WithArtifacts("Insecure references", active).
				WithImpact("A network attacker can replace these resources and take full control of the page.").
				WithRecommendation("Load every resource over HTTPS, and consider `Content-Security-Policy: upgrade-insecure-requests`.").
				Build())
		}
		if len(passive) > 0 {
			findings = append(findings, check.NewFinding("Passive Mixed Content", check.SeverityLow, t.Request).
				WithDescription("This HTTPS page loads images or media over plain HTTP.").
				WithArtifacts("Insecure references", passive).
				WithImpact("A network attacker can observe or replace these resources, which can leak browsing activity or deface the page.").
				WithRecommendation("Serve media from HTTPS origins.").
				Build())
		}
		return engine.Done(st, findings...), nil
	})

	return engine.Spec[empty]{
		Metadata: check.Metadata{
			ID:          "mixed-content",
			Name:        "Mixed Content",
			Description: "Detects HTTPS pages that reference HTTP resources",
			Type:        check.TypePassive,
			Tags:        []string{"transport", "mixed-content"},
			Severities:  []check.Severity{check.SeverityLow, check.SeverityMedium},
		},
		DedupeKey: hostPortPath(),
		When: func(t check.Target) bool {
			return isHTMLResponse(t) && strings.EqualFold(t.Request.Scheme, "https")
		},
	}
})
