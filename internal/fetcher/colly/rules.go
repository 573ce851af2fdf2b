package collyfetcher

import (
	"strconv"
	"strings"

	"github.com/gocolly/colly/v2"

	"github.com/policyspider/spiderd/internal/spider"
)

// RulesForTarget derives list extraction rules from a target's
// configured URL template and selectors.
func RulesForTarget(target spider.TargetConfig) ListRules {
	item := target.Selectors.Item
	if item == "" {
		item = "li"
	}
	link := target.Selectors.Link
	if link == "" {
		link = "a"
	}
	date := target.Selectors.Date
	return ListRules{
		BuildURL: func(req spider.ListRequest) string {
			return expandListURL(target.ListURL, req)
		},
		ItemSelector: item,
		ExtractItem: func(e *colly.HTMLElement) (spider.ListItem, bool) {
			href := e.ChildAttr(link, "href")
			if href == "" {
				return spider.ListItem{}, false
			}
			it := spider.ListItem{
				URL:   e.Request.AbsoluteURL(href),
				Title: strings.TrimSpace(e.ChildText(link)),
			}
			if date != "" {
				it.PublishDate = strings.TrimSpace(e.ChildText(date))
			}
			return it, true
		},
	}
}

// DetailRulesForTarget derives detail extraction rules from a target's
// selectors.
func DetailRulesForTarget(target spider.TargetConfig) DetailRules {
	return DetailRules{
		TitleSelector:   target.Selectors.Title,
		ContentSelector: target.Selectors.Content,
	}
}

func expandListURL(template string, req spider.ListRequest) string {
	r := strings.NewReplacer(
		"{section}", req.Section.ID,
		"{page}", strconv.Itoa(req.Page),
		"{start}", strconv.Itoa(req.StartRecord),
		"{end}", strconv.Itoa(req.EndRecord),
		"{per_page}", strconv.Itoa(req.PerPage),
	)
	return r.Replace(template)
}
